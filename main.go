// Command dnsveto runs the filtering DNS forwarder.
package main

import "github.com/rafalfr/dnsveto/internal/cmd"

func main() {
	cmd.Main()
}
