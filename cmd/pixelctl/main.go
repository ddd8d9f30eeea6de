// Command pixelctl signs image URLs and inspects the processed image cache
// using the same environment configuration as the api and worker.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
