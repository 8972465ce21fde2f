package main

import "github.com/knpwrs/dropboxdl/cmd"

// main is the entry point for the dropboxdl CLI application.
//
// This application downloads publicly shared Dropbox folders as zip archives
// and can optionally extract them in place.
func main() {
	cmd.Execute()
}
