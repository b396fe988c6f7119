// Package tassert provides common asserts for tests
/*
 * Copyright (c) 2025, NVIDIA CORPORATION. All rights reserved.
 */
package tassert

import (
	"testing"
)

func CheckFatal(tb testing.TB, err error) {
	if err != nil {
		tb.Helper()
		tb.Fatalf("unexpected error: %v", err)
	}
}

func CheckError(tb testing.TB, err error) {
	if err != nil {
		tb.Helper()
		tb.Errorf("unexpected error: %v", err)
	}
}

func Errorf(tb testing.TB, cond bool, msg string, args ...any) {
	if !cond {
		tb.Helper()
		tb.Errorf(msg, args...)
	}
}

func Fatalf(tb testing.TB, cond bool, msg string, args ...any) {
	if !cond {
		tb.Helper()
		tb.Fatalf(msg, args...)
	}
}

func Errors(tb testing.TB, err error, wantErr bool) {
	tb.Helper()
	if wantErr && err == nil {
		tb.Error("expected an error, got none")
	}
	if !wantErr && err != nil {
		tb.Errorf("unexpected error: %v", err)
	}
}
