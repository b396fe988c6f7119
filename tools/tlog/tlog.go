// Package tlog provides tests' logging
/*
 * Copyright (c) 2025, NVIDIA CORPORATION. All rights reserved.
 */
package tlog

import (
	"fmt"
	"os"
	"time"
)

func prefix() string { return time.Now().Format("15:04:05.000000") }

func Logf(format string, a ...any) {
	fmt.Fprintf(os.Stdout, prefix()+" "+format, a...)
}

func Logln(msg string) {
	fmt.Fprintln(os.Stdout, prefix()+" "+msg)
}
