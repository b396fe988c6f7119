// Package main is the gitmirror command-line front-end: it updates a mirror
// of a git repository over the native wire protocol.
/*
 * Copyright (c) 2025, NVIDIA CORPORATION. All rights reserved.
 */
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/NVIDIA/gitmirror/auth"
	"github.com/NVIDIA/gitmirror/mirror"
	"github.com/NVIDIA/gitmirror/transport"
	"github.com/fatih/color"
	"github.com/golang/glog"
	"github.com/urfave/cli"
)

const (
	cliName = "gitmirror"

	exitOK    = 0
	exitError = 1
	exitUsage = 2
)

var (
	fgreen = color.New(color.FgGreen).SprintFunc()
	fred   = color.New(color.FgRed).SprintFunc()
	fcyan  = color.New(color.FgCyan).SprintFunc()
)

func main() {
	app := cli.NewApp()
	app.Name = cliName
	app.Usage = "update a mirror of a git repository"
	app.ArgsUsage = "UPSTREAM-URL MIRROR-URL"
	app.Version = transport.Version
	app.Flags = []cli.Flag{
		cli.BoolFlag{
			Name:  "dry-run, n",
			Usage: "compute and print the ref differences, transfer nothing",
		},
		cli.StringSliceFlag{
			Name:  "include",
			Usage: "ref name glob to mirror (repeatable; default: refs/heads/*, refs/tags/*)",
		},
		cli.StringSliceFlag{
			Name:  "exclude",
			Usage: "ref name glob to leave alone (repeatable)",
		},
		cli.StringFlag{
			Name:  "netrc",
			Usage: "read credentials from `FILE` (with an empty value: ~/.netrc)",
		},
		cli.BoolFlag{
			Name:  "use-netrc",
			Usage: "read credentials from ~/.netrc",
		},
		cli.StringFlag{
			Name:  "github-app-id",
			Usage: "GitHub App `ID` for HTTP authentication",
		},
		cli.StringFlag{
			Name:  "github-app-key",
			Usage: "GitHub App private key `FILE`",
		},
		cli.StringFlag{
			Name:  "github-org",
			Usage: "GitHub `ORG` the App is installed in",
		},
		cli.BoolFlag{
			Name:  "verbose, v",
			Usage: "verbose logging",
		},
	}
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		glog.Errorf("%v", err)
		glog.Flush()
		if ec, ok := err.(cli.ExitCoder); ok {
			os.Exit(ec.ExitCode())
		}
		os.Exit(exitError)
	}
	glog.Flush()
}

func run(c *cli.Context) error {
	initLogging(c.Bool("verbose"))
	if c.NArg() != 2 {
		cli.ShowAppHelp(c)
		return cli.NewExitError("expected exactly two arguments: UPSTREAM-URL MIRROR-URL", exitUsage)
	}
	upstreamURL, mirrorURL := c.Args().Get(0), c.Args().Get(1)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	creds, err := buildCredentials(ctx, c)
	if err != nil {
		return cli.NewExitError(err.Error(), exitUsage)
	}
	upstream, err := transport.FromURL(upstreamURL, creds)
	if err != nil {
		return cli.NewExitError(err.Error(), exitUsage)
	}
	target, err := transport.FromURL(mirrorURL, creds)
	if err != nil {
		return cli.NewExitError(err.Error(), exitUsage)
	}

	res, err := mirror.Update(ctx, upstream, target, mirror.Options{
		Include: c.StringSlice("include"),
		Exclude: c.StringSlice("exclude"),
		DryRun:  c.Bool("dry-run"),
	})
	if err != nil {
		return err
	}
	printChanges(res)
	return nil
}

func buildCredentials(ctx context.Context, c *cli.Context) (auth.Provider, error) {
	chain := auth.NewChainedProvider()
	if c.IsSet("netrc") || c.Bool("use-netrc") {
		np, err := auth.NewNetrcProvider(c.String("netrc"))
		if err != nil {
			return nil, err
		}
		chain.Add(np)
	}
	appID, appKey, org := c.String("github-app-id"), c.String("github-app-key"), c.String("github-org")
	if appID != "" || appKey != "" || org != "" {
		if appID == "" || appKey == "" || org == "" {
			return nil, fmt.Errorf("GitHub App authentication requires --github-app-id, --github-app-key and --github-org")
		}
		gp, err := auth.NewGitHubAppProvider(ctx, appID, appKey, org)
		if err != nil {
			return nil, err
		}
		chain.Add(gp)
	}
	return chain, nil
}

func printChanges(res *mirror.Result) {
	if len(res.Changes) == 0 {
		fmt.Println("mirror is up-to-date")
		return
	}
	for _, change := range res.Changes {
		switch {
		case change.IsCreate():
			fmt.Printf("%s %s %s\n", fgreen("CREATE"), change.Ref, change.New)
		case change.IsDelete():
			fmt.Printf("%s %s %s\n", fred("DELETE"), change.Ref, change.Old)
		default:
			fmt.Printf("%s %s %s..%s\n", fcyan("UPDATE"), change.Ref, change.Old, change.New)
		}
	}
}

// initLogging wires glog to stderr and, when verbose, sets its -v level to 4.
// The standard flag set is parsed with no arguments, so glog's other flags
// keep their defaults.
func initLogging(verbose bool) {
	_ = flag.Set("logtostderr", "true")
	if verbose {
		_ = flag.Set("v", "4")
	}
	if !flag.Parsed() {
		flag.CommandLine.Parse(nil)
	}
}
