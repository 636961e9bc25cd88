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
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/Azure/azure-remote-shuffle/common"
	"github.com/Azure/azure-remote-shuffle/reader"
	"github.com/Azure/azure-remote-shuffle/transport"
)

type fetchOptions struct {
	shuffleKey  string
	out         string
	manifest    string
	outDir      string
	compress    string
	raw         bool
	retryMax    int
	retryWait   time.Duration
	rpcTimeout  time.Duration
	concurrency int
}

var fetchOpts fetchOptions

var fetchCmd = &cobra.Command{
	Use:   "fetch [piece ...]",
	Short: "Pull one reduce partition (or a manifest of them) from shuffle workers",
	Long: `Pull a partition the way a reducer would: open a chunk stream against the
first replica, retry failed chunks in place, fail over to later replicas.

Each piece argument is one replica of the same partition, ordered by failover
priority, in the form host:port:filePath:fileLength (filePath must not contain
colons). With --manifest, each line is "reduceId piece[,piece...]" and the
partitions are fetched concurrently into --out-dir.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		logger, err := newLogger()
		if err != nil {
			return err
		}
		defer logger.CloseLog()
		return runFetch(cmd.Context(), logger, args)
	},
}

func init() {
	rootCmd.AddCommand(fetchCmd)
	f := fetchCmd.Flags()
	f.StringVar(&fetchOpts.shuffleKey, "shuffle-key", "", "shuffle instance the partition belongs to (required)")
	f.StringVar(&fetchOpts.out, "out", "", "destination file for single-partition mode; - writes to stdout")
	f.StringVar(&fetchOpts.manifest, "manifest", "", "file listing partitions to fetch, one per line: reduceId piece[,piece...]")
	f.StringVar(&fetchOpts.outDir, "out-dir", ".", "destination directory for manifest mode")
	f.StringVar(&fetchOpts.compress, "compress", "none", "compress the output file: none or zstd")
	f.BoolVar(&fetchOpts.raw, "raw", false, "write raw framed bytes instead of decoding blocks")
	f.IntVar(&fetchOpts.retryMax, "chunk-retry-max", 3, "failed fetch attempts allowed against one replica, across its chunks")
	f.DurationVar(&fetchOpts.retryWait, "chunk-retry-wait", 5*time.Millisecond, "wait between fetch attempts")
	f.DurationVar(&fetchOpts.rpcTimeout, "rpc-timeout", 30*time.Second, "per-RPC deadline")
	f.IntVar(&fetchOpts.concurrency, "concurrency", 4, "partitions fetched in parallel in manifest mode")
	_ = fetchCmd.MarkFlagRequired("shuffle-key")
}

func runFetch(ctx context.Context, logger common.ILogger, args []string) error {
	pool := transport.NewClientPool(transport.PoolConfig{RPCTimeout: fetchOpts.rpcTimeout}, logger)
	defer pool.Close()

	cfg := reader.Config{
		ChunkFetchFailedRetryMaxTimes: fetchOpts.retryMax,
		ChunkFetchRetryWaitTimes:      fetchOpts.retryWait,
		DecodeBlocks:                  !fetchOpts.raw,
	}

	if fetchOpts.manifest == "" {
		if len(args) == 0 {
			return common.ErrInvalidArgument("no pieces given; pass piece arguments or --manifest")
		}
		if fetchOpts.out == "" {
			return common.ErrInvalidArgument("--out is required in single-partition mode")
		}
		pieces, err := parsePieces(args)
		if err != nil {
			return err
		}
		return fetchPartition(ctx, logger, pool, cfg, pieces, fetchOpts.out)
	}

	entries, err := parseManifest(fetchOpts.manifest)
	if err != nil {
		return err
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(fetchOpts.concurrency)
	for _, e := range entries {
		e := e
		g.Go(func() error {
			out := filepath.Join(fetchOpts.outDir, fmt.Sprintf("reduce-%d.bin", e.reduceID))
			return fetchPartition(gctx, logger, pool, cfg, e.pieces, out)
		})
	}
	return g.Wait()
}

func fetchPartition(ctx context.Context, logger common.ILogger, pool *transport.ClientPool,
	cfg reader.Config, pieces []common.CommittedPartitionInfo, out string) error {

	epoch, err := common.NewPartitionEpoch(fetchOpts.shuffleKey, pieces)
	if err != nil {
		return err
	}
	r, err := reader.NewRemoteEpochReader(ctx, epoch, cfg, pool, logger)
	if err != nil {
		return err
	}
	defer r.Close()

	w, closeW, err := openOutput(out)
	if err != nil {
		return err
	}

	var total int64
	for r.HasNext() {
		buf, err := r.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			_ = closeW()
			return err
		}
		n, werr := w.Write(buf.Bytes())
		buf.Release()
		if werr != nil {
			_ = closeW()
			return errors.Wrapf(werr, "writing %s", out)
		}
		total += int64(n)
	}
	if err := closeW(); err != nil {
		return errors.Wrapf(err, "closing %s", out)
	}
	logger.Log(common.LogInfo, fmt.Sprintf("wrote %d bytes to %s", total, out))
	return nil
}

func openOutput(out string) (io.Writer, func() error, error) {
	var w io.Writer
	closers := []io.Closer{}
	if out == "-" {
		w = os.Stdout
	} else {
		f, err := os.Create(out)
		if err != nil {
			return nil, nil, errors.Wrapf(err, "creating %s", out)
		}
		w = f
		closers = append(closers, f)
	}

	switch fetchOpts.compress {
	case "none":
	case "zstd":
		zw, err := zstd.NewWriter(w)
		if err != nil {
			return nil, nil, err
		}
		w = zw
		closers = append([]io.Closer{zw}, closers...)
	default:
		return nil, nil, common.ErrInvalidArgument(fmt.Sprintf("unknown compression %q", fetchOpts.compress))
	}

	closeAll := func() error {
		var first error
		for _, c := range closers {
			if err := c.Close(); err != nil && first == nil {
				first = err
			}
		}
		return first
	}
	return w, closeAll, nil
}

type manifestEntry struct {
	reduceID int
	pieces   []common.CommittedPartitionInfo
}

func parseManifest(path string) ([]manifestEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "opening manifest %s", path)
	}
	defer f.Close()

	var entries []manifestEntry
	scanner := bufio.NewScanner(f)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 2 {
			return nil, common.ErrInvalidArgument(fmt.Sprintf("manifest line %d: want \"reduceId pieces\"", lineNum))
		}
		reduceID, err := strconv.Atoi(fields[0])
		if err != nil {
			return nil, common.ErrInvalidArgument(fmt.Sprintf("manifest line %d: bad reduce id %q", lineNum, fields[0]))
		}
		pieces, err := parsePieces(strings.Split(fields[1], ","))
		if err != nil {
			return nil, errors.Wrapf(err, "manifest line %d", lineNum)
		}
		for i := range pieces {
			pieces[i].ReduceID = int32(reduceID)
		}
		entries = append(entries, manifestEntry{reduceID: reduceID, pieces: pieces})
	}
	return entries, scanner.Err()
}

func parsePieces(specs []string) ([]common.CommittedPartitionInfo, error) {
	pieces := make([]common.CommittedPartitionInfo, 0, len(specs))
	for _, s := range specs {
		p, err := parsePiece(s)
		if err != nil {
			return nil, err
		}
		pieces = append(pieces, p)
	}
	return pieces, nil
}

func parsePiece(spec string) (common.CommittedPartitionInfo, error) {
	parts := strings.Split(spec, ":")
	if len(parts) != 4 {
		return common.CommittedPartitionInfo{}, common.ErrInvalidArgument(
			fmt.Sprintf("piece %q: want host:port:filePath:fileLength", spec))
	}
	port, err := strconv.Atoi(parts[1])
	if err != nil {
		return common.CommittedPartitionInfo{}, common.ErrInvalidArgument(fmt.Sprintf("piece %q: bad port", spec))
	}
	length, err := strconv.ParseInt(parts[3], 10, 64)
	if err != nil {
		return common.CommittedPartitionInfo{}, common.ErrInvalidArgument(fmt.Sprintf("piece %q: bad file length", spec))
	}
	p := common.CommittedPartitionInfo{
		Host:       parts[0],
		Port:       port,
		Mode:       common.EStorageMode.Disk(),
		FilePath:   parts[2],
		FileLength: length,
	}
	return p, p.Validate()
}
