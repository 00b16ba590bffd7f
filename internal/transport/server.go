package transport

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"

	"github.com/swarmshard/blockserver/internal/logger"
	"github.com/swarmshard/blockserver/internal/server"
	"github.com/swarmshard/blockserver/internal/tensor"
)

// FlightHandler serves block requests over Arrow Flight. Each DoExchange
// message is one request record; the reply record carries the result
// tensors, or an empty batch with error metadata. Session lifecycle rides on
// DoAction.
type FlightHandler struct {
	flight.BaseFlightServer

	handler *server.Handler
	log     *logger.Logger
}

func NewFlightHandler(h *server.Handler) *FlightHandler {
	return &FlightHandler{handler: h, log: logger.Log.Named("flight")}
}

func (f *FlightHandler) DoExchange(stream flight.FlightService_DoExchangeServer) error {
	rdr, err := flight.NewRecordReader(stream)
	if err != nil {
		return fmt.Errorf("opening exchange reader: %w", err)
	}
	defer rdr.Release()

	for rdr.Next() {
		rec := rdr.Record()
		req, err := requestFromRecord(rdr.Schema().Metadata().ToMap(), rec)
		if err == nil {
			var tensors []*tensor.Tensor
			tensors, err = f.handler.Dispatch(stream.Context(), req)
			if err == nil {
				if werr := f.reply(stream, nil, tensors); werr != nil {
					return werr
				}
				continue
			}
		}
		f.log.Warn("request failed", "kind", ErrorKind(err), "error", err)
		if werr := f.reply(stream, err, nil); werr != nil {
			return werr
		}
	}
	return rdr.Err()
}

func (f *FlightHandler) reply(stream flight.FlightService_DoExchangeServer, reqErr error, tensors []*tensor.Tensor) error {
	var schema *arrow.Schema
	if reqErr != nil {
		schema = TensorSchema(map[string]string{
			MetaErrorKind:    ErrorKind(reqErr),
			MetaErrorMessage: reqErr.Error(),
		})
	} else {
		schema = TensorSchema(nil)
	}
	w := flight.NewRecordWriter(stream, ipc.WithSchema(schema))
	defer w.Close()
	rec := EncodeTensors(schema, tensors)
	defer rec.Release()
	if err := w.Write(rec); err != nil {
		return fmt.Errorf("writing exchange reply: %w", err)
	}
	return nil
}

// requestFromRecord rebuilds a server.Request from the framing metadata and
// the tensor rows. For inference, rows past the first are per-block prompt
// tensors when prompt_count says so.
func requestFromRecord(meta map[string]string, rec arrow.Record) (*server.Request, error) {
	tensors, err := DecodeTensors(rec)
	if err != nil {
		return nil, err
	}
	req := &server.Request{
		Operation: server.Operation(meta[MetaOperation]),
		SessionID: meta[MetaSessionID],
	}
	if v := meta[MetaPriority]; v != "" {
		if req.Priority, err = strconv.ParseFloat(v, 64); err != nil {
			return nil, fmt.Errorf("bad priority %q: %w", v, err)
		}
	}
	if req.BlockStart, err = atoiMeta(meta, MetaBlockStart); err != nil {
		return nil, err
	}
	if req.BlockEnd, err = atoiMeta(meta, MetaBlockEnd); err != nil {
		return nil, err
	}
	if v := meta[MetaPrefixLength]; v != "" {
		if req.PrefixLength, err = strconv.Atoi(v); err != nil {
			return nil, fmt.Errorf("bad prefix_length %q: %w", v, err)
		}
	}
	if req.HypoIDs, err = ParseHypoIDs(meta[MetaHypoIDs]); err != nil {
		return nil, err
	}
	if v := meta[MetaPromptCount]; v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("bad prompt_count %q: %w", v, err)
		}
		if n > len(tensors)-1 {
			return nil, fmt.Errorf("prompt_count %d exceeds %d extra tensors", n, len(tensors)-1)
		}
		prompts := make([]*tensor.Tensor, n)
		copy(prompts, tensors[len(tensors)-n:])
		for i, p := range prompts {
			// Zero-element rows stand for blocks with no prompt.
			if p.NumElements() == 0 {
				prompts[i] = nil
			}
		}
		req.Prompts = prompts
		tensors = tensors[:len(tensors)-n]
	}
	req.Tensors = tensors
	return req, nil
}

func atoiMeta(meta map[string]string, key string) (int, error) {
	v, ok := meta[key]
	if !ok {
		return 0, fmt.Errorf("missing %s metadata", key)
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("bad %s %q: %w", key, v, err)
	}
	return n, nil
}

type sessionAction struct {
	SessionID string `json:"session_id"`
	BatchSize int    `json:"batch_size"`
	MaxLength int    `json:"max_length"`
}

func (f *FlightHandler) DoAction(action *flight.Action, stream flight.FlightService_DoActionServer) error {
	switch action.Type {
	case "open_session":
		var req sessionAction
		if err := json.Unmarshal(action.Body, &req); err != nil {
			return fmt.Errorf("bad open_session body: %w", err)
		}
		id, err := f.handler.Sessions().Open(stream.Context(), req.SessionID, req.BatchSize, req.MaxLength)
		if err != nil {
			return err
		}
		return stream.Send(&flight.Result{Body: []byte(id)})
	case "close_session":
		f.handler.Sessions().Close(string(action.Body))
		return stream.Send(&flight.Result{})
	default:
		return fmt.Errorf("unknown action %q", action.Type)
	}
}
