package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/swarmshard/blockserver/internal/server"
	"github.com/swarmshard/blockserver/internal/tensor"
)

// Client talks to one block server (or pipeline peer) over Arrow Flight.
type Client struct {
	addr  string
	inner flight.Client
}

func NewClient(addr string) *Client {
	return &Client{addr: addr}
}

// Connect dials the Flight endpoint.
func (c *Client) Connect(_ context.Context) error {
	inner, err := flight.NewClientWithMiddleware(c.addr, nil, nil,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("dialing flight server %s: %w", c.addr, err)
	}
	c.inner = inner
	return nil
}

func (c *Client) Close() error {
	if c.inner != nil {
		return c.inner.Close()
	}
	return nil
}

// OpenSession asks the server to reserve cache for a session and returns the
// session id.
func (c *Client) OpenSession(ctx context.Context, sessionID string, batchSize, maxLength int) (string, error) {
	if c.inner == nil {
		return "", fmt.Errorf("client not connected, call Connect() first")
	}
	body, err := json.Marshal(sessionAction{SessionID: sessionID, BatchSize: batchSize, MaxLength: maxLength})
	if err != nil {
		return "", err
	}
	stream, err := c.inner.DoAction(ctx, &flight.Action{Type: "open_session", Body: body})
	if err != nil {
		return "", fmt.Errorf("open_session action: %w", err)
	}
	res, err := stream.Recv()
	if err != nil {
		return "", fmt.Errorf("open_session result: %w", err)
	}
	return string(res.Body), nil
}

// CloseSession releases the session's cache on the server.
func (c *Client) CloseSession(ctx context.Context, sessionID string) error {
	if c.inner == nil {
		return fmt.Errorf("client not connected, call Connect() first")
	}
	stream, err := c.inner.DoAction(ctx, &flight.Action{Type: "close_session", Body: []byte(sessionID)})
	if err != nil {
		return fmt.Errorf("close_session action: %w", err)
	}
	if _, err := stream.Recv(); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// Do sends one request and waits for the reply tensors. Server-side failures
// come back as an error carrying the taxonomy kind.
func (c *Client) Do(ctx context.Context, req *server.Request) ([]*tensor.Tensor, error) {
	if c.inner == nil {
		return nil, fmt.Errorf("client not connected, call Connect() first")
	}
	stream, err := c.inner.DoExchange(ctx)
	if err != nil {
		return nil, fmt.Errorf("opening exchange: %w", err)
	}

	meta := map[string]string{
		MetaOperation:    string(req.Operation),
		MetaSessionID:    req.SessionID,
		MetaPriority:     strconv.FormatFloat(req.Priority, 'g', -1, 64),
		MetaBlockStart:   strconv.Itoa(req.BlockStart),
		MetaBlockEnd:     strconv.Itoa(req.BlockEnd),
		MetaPrefixLength: strconv.Itoa(req.PrefixLength),
		MetaHypoIDs:      FormatHypoIDs(req.HypoIDs),
	}
	rows := append([]*tensor.Tensor(nil), req.Tensors...)
	if req.Prompts != nil {
		meta[MetaPromptCount] = strconv.Itoa(len(req.Prompts))
		for _, p := range req.Prompts {
			if p == nil {
				p = tensor.New(tensor.F32, 0)
			}
			rows = append(rows, p)
		}
	}
	schema := TensorSchema(meta)
	w := flight.NewRecordWriter(stream, ipc.WithSchema(schema))
	rec := EncodeTensors(schema, rows)
	werr := w.Write(rec)
	rec.Release()
	w.Close()
	if werr != nil {
		return nil, fmt.Errorf("writing request: %w", werr)
	}
	if err := stream.CloseSend(); err != nil {
		return nil, fmt.Errorf("closing send side: %w", err)
	}

	rdr, err := flight.NewRecordReader(stream)
	if err != nil {
		return nil, fmt.Errorf("opening reply reader: %w", err)
	}
	defer rdr.Release()
	if !rdr.Next() {
		if err := rdr.Err(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("empty reply stream")
	}
	replyMeta := rdr.Schema().Metadata().ToMap()
	if kind := replyMeta[MetaErrorKind]; kind != "" {
		return nil, fmt.Errorf("%s: %s", kind, replyMeta[MetaErrorMessage])
	}
	return DecodeTensors(rdr.Record())
}
