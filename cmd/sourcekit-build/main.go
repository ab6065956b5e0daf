package main

import "github.com/jayadamsmorgan/sourcekit-lsp/cmd/sourcekit-build/internal"

func main() {
	internal.Execute()
}
