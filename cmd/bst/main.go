package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/buildstream-go/bst/internal/bsterrors"
)

func main() {
	logrus.SetOutput(os.Stderr)

	root := newRootCmd()
	if err := root.Execute(); err != nil {
		var taxed *bsterrors.Error
		if errors.As(err, &taxed) {
			fmt.Fprintf(os.Stderr, "bst: %s: %s\n", taxed.Domain, taxed.Error())
			if taxed.Detail != "" {
				fmt.Fprintln(os.Stderr, taxed.Detail)
			}
			os.Exit(1)
		}
		// An error that never passed through the taxonomy wraps an
		// unhandled exception, per §6's CLI surface.
		fmt.Fprintf(os.Stderr, "bst: unhandled error: %s\n", err)
		os.Exit(255)
	}
}
