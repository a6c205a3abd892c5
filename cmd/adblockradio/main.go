// Command adblockradio analyses radio recordings: it decodes a file or a
// sequence of record files, slices the audio into fixed-duration chunks and
// runs the content classifier and the jingle hotlist on every chunk.
//
// Usage:
//
//	adblockradio [--config config.yaml] run --country France --name RTL --file capture.mp3
//	adblockradio run --country France --name RTL --records rec1.mp3,rec2.mp3
//	adblockradio hotlist add --country France --name RTL "station id" jingle.mp3
//	adblockradio hotlist info --country France --name RTL
package main

import (
	"fmt"
	"os"

	"github.com/Juraldinio/adblockradio/cmd/adblockradio/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
