// Copyright © 2017 Microsoft <wastore@microsoft.com>
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
// THE SOFTWARE.

// Package cmd holds rsscat, the operator's diagnostic tool for the remote
// shuffle service: fetch pulls a partition the way a reducer would, serve runs
// a loopback chunk worker over committed files.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Azure/azure-remote-shuffle/common"
)

var logLevelRaw string

var rootCmd = &cobra.Command{
	Use:     "rsscat",
	Short:   "Read and serve remote shuffle partitions",
	Version: common.ShuffleClientVersion,
	SilenceUsage: true,
}

// Execute runs rsscat; it is the only entry point main calls.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevelRaw, "log-level", "INFO",
		"define the log verbosity for the log file, available levels: NONE, FATAL, PANIC, ERROR, WARNING, INFO, DEBUG")
}

func newLogger() (common.ILoggerCloser, error) {
	var level common.LogLevel
	if err := level.Parse(logLevelRaw); err != nil {
		return nil, common.ErrInvalidArgument(fmt.Sprintf("unrecognized log level %q", logLevelRaw))
	}
	return common.NewStderrLogger(level), nil
}
