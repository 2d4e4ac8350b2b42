// Command trustcore runs the credential rotation worker and maintenance jobs
// and exposes administrative commands over the same services.
package main

import "os"

func main() {
	os.Exit(Execute())
}
