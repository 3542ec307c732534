// Command cihealerctl runs operator tasks against the cihealer database.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd(postgresKeyStore).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
