// Main package relaystat implements a command line tool for converting
// relay-tunnel's session-log JSON-lines output to CSV, the way the
// teacher's cmd/csvtool converts ArchiveRecord files to CSV.
package main

import (
	"io"
	"log"
	"os"

	"github.com/gocarina/gocsv"
	"github.com/m-lab/go/rtx"

	"github.com/relaycore/tcprelay/sessionlog"
)

func init() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
}

// logFatal is a variable to enable mocking for testing, matching the
// teacher's cmd/csvtool pattern.
var logFatal = log.Fatal

func readSummaries(rdr io.Reader) ([]sessionlog.Summary, error) {
	return sessionlog.ReadSummaries(rdr)
}

func toCSV(summaries []sessionlog.Summary, wtr io.Writer) error {
	return gocsv.Marshal(summaries, wtr)
}

func openFile(fn string) (io.ReadCloser, error) {
	return os.Open(fn)
}

func main() {
	args := os.Args[1:]

	var source io.ReadCloser
	var err error
	source = os.Stdin
	if len(args) == 1 {
		source, err = openFile(args[0])
		rtx.Must(err, "Could not open file %q", args[0])
	} else if len(args) > 1 {
		logFatal("Too many command-line arguments.")
	}
	defer source.Close()

	summaries, err := readSummaries(source)
	rtx.Must(err, "Could not read summaries")
	rtx.Must(toCSV(summaries, os.Stdout), "Could not convert input to CSV")
}
