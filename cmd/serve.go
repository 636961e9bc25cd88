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

package cmd

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/Azure/azure-remote-shuffle/codec"
	"github.com/Azure/azure-remote-shuffle/common"
	"github.com/Azure/azure-remote-shuffle/transport"
)

type serveOptions struct {
	shuffleKey      string
	dir             string
	listen          string
	targetChunkSize int64
}

var serveOpts serveOptions

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a loopback chunk worker over committed partition files",
	Long: `Serve every file under --dir as a committed partition of --shuffle-key,
with the file's path relative to --dir as its filePath. Chunk boundaries are
cut on framed-block boundaries near --chunk-size, so decoding readers can
consume the chunks directly.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		logger, err := newLogger()
		if err != nil {
			return err
		}
		defer logger.CloseLog()
		return runServe(cmd, logger)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	f := serveCmd.Flags()
	f.StringVar(&serveOpts.shuffleKey, "shuffle-key", "", "shuffle instance to serve the files under (required)")
	f.StringVar(&serveOpts.dir, "dir", "", "directory of committed partition files (required)")
	f.StringVar(&serveOpts.listen, "listen", "127.0.0.1:0", "address to listen on; port 0 picks a free port")
	f.Int64Var(&serveOpts.targetChunkSize, "chunk-size", 1<<20, "target chunk size in bytes")
	_ = serveCmd.MarkFlagRequired("shuffle-key")
	_ = serveCmd.MarkFlagRequired("dir")
}

func runServe(cmd *cobra.Command, logger common.ILoggerCloser) error {
	worker := transport.NewChunkWorker(logger)
	defer worker.Close()

	count := 0
	err := filepath.Walk(serveOpts.dir, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return errors.Wrapf(err, "reading %s", path)
		}
		rel, err := filepath.Rel(serveOpts.dir, path)
		if err != nil {
			return err
		}
		offsets, err := blockAlignedOffsets(data, serveOpts.targetChunkSize)
		if err != nil {
			return errors.Wrapf(err, "chunking %s", path)
		}
		if err := worker.Commit(serveOpts.shuffleKey, rel, data, offsets); err != nil {
			return err
		}
		count++
		return nil
	})
	if err != nil {
		return err
	}

	addr, err := worker.Start(serveOpts.listen)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "serving %d files of shuffle %s on %s\n", count, serveOpts.shuffleKey, addr)
	logger.Log(common.LogInfo, fmt.Sprintf("worker up on %s", addr))

	<-cmd.Context().Done()
	logger.Log(common.LogInfo, fmt.Sprintf("worker served %d opens, %d fetches", worker.OpenCount(), worker.FetchCount()))
	return nil
}

// blockAlignedOffsets cuts chunk boundaries on framed-block boundaries,
// closing a chunk once it reaches the target size. A file that is not a clean
// sequence of framed blocks is rejected.
func blockAlignedOffsets(data []byte, targetChunkSize int64) ([]int64, error) {
	dec := codec.NewBlockDecompressor()
	r := bytes.NewReader(data)
	offsets := []int64{0}
	var pos, chunkStart int64
	for {
		block, err := dec.ReadBlock(r)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		pos += int64(len(block))
		if pos-chunkStart >= targetChunkSize {
			offsets = append(offsets, pos)
			chunkStart = pos
		}
	}
	if offsets[len(offsets)-1] != int64(len(data)) {
		offsets = append(offsets, int64(len(data)))
	}
	return offsets, nil
}
