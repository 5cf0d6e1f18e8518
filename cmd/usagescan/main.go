// Command usagescan reports which GitHub Apps are still active in one or more
// organizations, either by scanning audit logs directly or by watching a running
// app usage server.
package main

import "os"

func main() {
	if err := rootCmd(defaultTokenStore()).Execute(); err != nil {
		os.Exit(1)
	}
}
