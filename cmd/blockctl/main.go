// blockctl is a probe client for a running block server: it opens a session,
// drives a few steps through the hosted blocks over Arrow Flight and reports
// timings. Useful for smoke-testing a deployment without a full swarm client.
package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"time"

	"github.com/swarmshard/blockserver/internal/logger"
	"github.com/swarmshard/blockserver/internal/server"
	"github.com/swarmshard/blockserver/internal/tensor"
	"github.com/swarmshard/blockserver/internal/transport"
)

var (
	addr       = flag.String("addr", "127.0.0.1:3000", "Block server Flight address")
	op         = flag.String("op", "inference", "Operation (forward, backward, inference)")
	blockStart = flag.Int("block-start", 0, "First block id (inclusive)")
	blockEnd   = flag.Int("block-end", 1, "Last block id (exclusive)")
	hiddenSize = flag.Int("hidden-size", 4096, "Model hidden size")
	batchSize  = flag.Int("batch", 1, "Batch size")
	seqLen     = flag.Int("seq", 16, "Sequence length of the first step")
	steps      = flag.Int("steps", 4, "Incremental steps after the first (inference only)")
	maxLength  = flag.Int("max-length", 2048, "Session cache capacity in tokens")
	priority   = flag.Float64("priority", 0, "Task priority (lower dispatches first)")
	timeout    = flag.Duration("timeout", 60*time.Second, "Overall deadline")
	logLevel   = flag.String("log-level", "INFO", "Log level (DEBUG, INFO, WARN, ERROR)")
	seed       = flag.Int64("seed", 42, "Input generator seed")
)

func randomHidden(rng *rand.Rand, batch, seq, hidden int) *tensor.Tensor {
	t := tensor.New(tensor.F32, batch, seq, hidden)
	for i := range t.Data {
		t.Data[i] = float32(rng.NormFloat64())
	}
	return t
}

func main() {
	flag.Parse()
	logger.Setup(*logLevel, "console")
	log := logger.Log.Named("blockctl")

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	client := transport.NewClient(*addr)
	if err := client.Connect(ctx); err != nil {
		log.Error("connecting", "addr", *addr, "error", err)
		os.Exit(1)
	}
	defer client.Close()

	rng := rand.New(rand.NewSource(*seed))
	req := &server.Request{
		Operation:  server.Operation(*op),
		Priority:   *priority,
		BlockStart: *blockStart,
		BlockEnd:   *blockEnd,
	}

	switch req.Operation {
	case server.OpForward:
		req.Tensors = []*tensor.Tensor{randomHidden(rng, *batchSize, *seqLen, *hiddenSize)}
	case server.OpBackward:
		req.Tensors = []*tensor.Tensor{
			randomHidden(rng, *batchSize, *seqLen, *hiddenSize),
			randomHidden(rng, *batchSize, *seqLen, *hiddenSize),
		}
	case server.OpInference:
		req.Tensors = []*tensor.Tensor{randomHidden(rng, *batchSize, *seqLen, *hiddenSize)}
	default:
		log.Error("unknown operation", "op", *op)
		os.Exit(1)
	}

	if req.Operation == server.OpInference {
		id, err := client.OpenSession(ctx, "", *batchSize, *maxLength)
		if err != nil {
			log.Error("opening session", "error", err)
			os.Exit(1)
		}
		log.Info("session open", "session", id)
		req.SessionID = id
		defer func() {
			if err := client.CloseSession(context.Background(), id); err != nil {
				log.Warn("closing session", "error", err)
			}
		}()
	}

	start := time.Now()
	out, err := client.Do(ctx, req)
	if err != nil {
		log.Error("request failed", "op", *op, "error", err)
		os.Exit(1)
	}
	log.Info("step done", "op", *op, "seq", *seqLen, "elapsed", time.Since(start))

	if req.Operation == server.OpInference {
		prefix := *seqLen
		for i := 0; i < *steps; i++ {
			stepReq := &server.Request{
				Operation:    server.OpInference,
				Tensors:      []*tensor.Tensor{randomHidden(rng, *batchSize, 1, *hiddenSize)},
				Priority:     *priority,
				SessionID:    req.SessionID,
				BlockStart:   *blockStart,
				BlockEnd:     *blockEnd,
				PrefixLength: prefix,
			}
			stepStart := time.Now()
			if out, err = client.Do(ctx, stepReq); err != nil {
				log.Error("incremental step failed", "step", i, "prefix", prefix, "error", err)
				os.Exit(1)
			}
			log.Info("step done", "step", i, "prefix", prefix, "elapsed", time.Since(stepStart))
			prefix++
		}
	}

	total := 0
	for _, t := range out {
		total += t.NumElements()
	}
	fmt.Printf("ok: %d output tensors, %d elements, %s total\n", len(out), total, time.Since(start).Round(time.Millisecond))
}
