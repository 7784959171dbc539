package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/qshield-labs/qkdlink/cmd/qkdlink/commands"
	qerrors "github.com/qshield-labs/qkdlink/internal/errors"
)

// Exit codes distinguish security failures from plumbing failures so
// wrapper scripts can react to a tampered channel differently than to
// a dropped connection.
const (
	exitOK            = 0
	exitError         = 1
	exitEavesdropping = 2
	exitAuthFailure   = 3
	exitTransport     = 4
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "qkdlink: %v\n", err)
		os.Exit(exitCode(err))
	}
}

func exitCode(err error) int {
	switch {
	case errors.Is(err, qerrors.ErrEavesdroppingSuspected):
		return exitEavesdropping
	case errors.Is(err, qerrors.ErrAuthenticationFailed):
		return exitAuthFailure
	case errors.Is(err, qerrors.ErrTransport):
		return exitTransport
	}
	return exitError
}
