package transport

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/gorilla/mux"
	"github.com/grafana/dskit/backoff"
	"github.com/grafana/dskit/services"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/grafana/execgraph/pkg/engine/cluster"
	engineerrors "github.com/grafana/execgraph/pkg/engine/internal/errors"
	"github.com/grafana/execgraph/pkg/util/mempool"
)

// ExchangeEndpoint is the route of the exchange handler.
const ExchangeEndpoint = "/exchange/v1/{token}/{kernel}/{partition}"

const (
	headerSource      = "X-Exchange-Source"
	headerDestination = "X-Exchange-Destination"
	headerSequence    = "X-Exchange-Sequence"
	headerClose       = "X-Exchange-Close"
)

// HTTPConfig configures an [HTTP] transport.
type HTTPConfig struct {
	// ListenAddress overrides the address the exchange server listens on.
	// Defaults to the host and port of the local node.
	ListenAddress string `yaml:"listen_address"`

	ExchangeTimeout time.Duration  `yaml:"exchange_timeout"`
	RequestTimeout  time.Duration  `yaml:"request_timeout"`
	Retry           backoff.Config `yaml:"retry"`

	BufferSize  int `yaml:"buffer_size"`
	PoolBuffers int `yaml:"pool_buffers"`
}

// RegisterFlagsWithPrefix registers flags with the given prefix.
func (cfg *HTTPConfig) RegisterFlagsWithPrefix(prefix string, f *flag.FlagSet) {
	f.StringVar(&cfg.ListenAddress, prefix+"listen-address", "", "Address to serve exchanges on. Defaults to the address of the local node.")
	f.DurationVar(&cfg.ExchangeTimeout, prefix+"exchange-timeout", time.Minute, "Maximum time to wait for the next record of an exchange stream. 0 to wait forever.")
	f.DurationVar(&cfg.RequestTimeout, prefix+"request-timeout", 30*time.Second, "Timeout of a single exchange request to a peer.")
	f.IntVar(&cfg.BufferSize, prefix+"buffer-size", 1<<20, "Largest frame buffer size, in bytes, kept in the buffer pool.")
	f.IntVar(&cfg.PoolBuffers, prefix+"pool-buffers", 100, "Maximum number of pooled frame buffers in use at once.")

	cfg.Retry.RegisterFlagsWithPrefix(prefix+"retry", f)
	cfg.Retry.MinBackoff = 50 * time.Millisecond
	cfg.Retry.MaxBackoff = 2 * time.Second
	cfg.Retry.MaxRetries = 10
}

// Validate validates the config.
func (cfg *HTTPConfig) Validate() error {
	var errs []error
	if cfg.ExchangeTimeout < 0 {
		errs = append(errs, errors.New("exchange timeout must not be negative"))
	}
	if cfg.Retry.MaxRetries < 0 {
		errs = append(errs, errors.New("retry count must not be negative"))
	}
	if cfg.BufferSize < 0 || cfg.PoolBuffers < 0 {
		errs = append(errs, errors.New("buffer pool settings must not be negative"))
	}
	return errors.Join(errs...)
}

// HTTPParams holds parameters for constructing an [HTTP] transport.
type HTTPParams struct {
	Config HTTPConfig
	Local  cluster.Node
	Logger log.Logger

	Metrics   *Metrics         // Optional metrics.
	Client    *http.Client     // Optional client used to reach peers.
	Allocator memory.Allocator // Optional allocator for received records.
}

func (p *HTTPParams) validate() error {
	if p.Local == (cluster.Node{}) {
		return errors.New("local node is required")
	}
	if p.Logger == nil {
		p.Logger = log.NewNopLogger()
	}
	if p.Metrics == nil {
		p.Metrics = NewMetrics()
	}
	if p.Client == nil {
		p.Client = &http.Client{
			Timeout:   p.Config.RequestTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}
	if p.Allocator == nil {
		p.Allocator = memory.DefaultAllocator
	}
	return p.Config.Validate()
}

// HTTP is a [Transport] reaching peers over HTTP. Records sent to the local
// node skip serialization. Records from peers are received by the exchange
// handler into a [Hub].
//
// HTTP is a dskit service; the exchange server runs while the service is
// running. Tests may instead mount [HTTP.Handler] on their own server.
type HTTP struct {
	services.Service

	cfg     HTTPConfig
	local   cluster.Node
	logger  log.Logger
	metrics *Metrics
	client  *http.Client

	inbox  *Hub
	codec  *Codec
	router *mux.Router

	server   *http.Server
	listener net.Listener

	seqMut sync.Mutex
	seqs   map[Key]int64
}

var _ Transport = (*HTTP)(nil)

// NewHTTP creates an HTTP transport.
func NewHTTP(p HTTPParams) (*HTTP, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}

	var buffers mempool.Allocator = &mempool.HeapAllocator{}
	if p.Config.BufferSize > 0 {
		buffers = mempool.NewBytePool(1024, p.Config.BufferSize, 2, p.Config.PoolBuffers)
	}

	t := &HTTP{
		cfg:     p.Config,
		local:   p.Local,
		logger:  log.With(p.Logger, "component", "transport", "node", p.Local),
		metrics: p.Metrics,
		client:  p.Client,

		inbox: NewHub(p.Config.ExchangeTimeout),
		codec: NewCodec(p.Allocator, buffers, DefaultMaxFrameSizeBytes),

		seqs: make(map[Key]int64),
	}

	t.router = mux.NewRouter()
	t.router.Path(ExchangeEndpoint).Methods("POST").HandlerFunc(t.handleExchange)

	t.Service = services.NewBasicService(t.starting, t.running, t.stopping)
	return t, nil
}

// Handler returns the exchange handler.
func (t *HTTP) Handler() http.Handler { return t.router }

// Inbox returns the hub holding records received from peers.
func (t *HTTP) Inbox() *Hub { return t.inbox }

func (t *HTTP) starting(_ context.Context) error {
	addr := t.cfg.ListenAddress
	if addr == "" {
		addr = t.local.HostPort()
	}

	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	t.listener = lis
	t.server = &http.Server{
		Handler:           otelhttp.NewHandler(t.router, "exchange"),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return nil
}

func (t *HTTP) running(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() { errCh <- t.server.Serve(t.listener) }()

	level.Info(t.logger).Log("msg", "serving exchanges", "addr", t.listener.Addr())

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (t *HTTP) stopping(_ error) error {
	if t.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return t.server.Shutdown(ctx)
}

// Send implements [Transport].
func (t *HTTP) Send(ctx context.Context, key Key, rec arrow.Record) error {
	if key.Destination == t.local {
		return t.inbox.Send(ctx, key, rec)
	}

	var body bytes.Buffer
	if err := t.codec.WriteRecord(&body, rec); err != nil {
		return err
	}

	seq := t.nextSeq(key)
	if err := t.post(ctx, key, seq, body.Bytes(), false); err != nil {
		return err
	}
	t.metrics.framesTotal.WithLabelValues("send").Inc()
	t.metrics.bytesTotal.WithLabelValues("send").Add(float64(body.Len()))
	return nil
}

// CloseSend implements [Transport].
func (t *HTTP) CloseSend(ctx context.Context, key Key) error {
	if key.Destination == t.local {
		return t.inbox.CloseSend(ctx, key)
	}

	seq := t.nextSeq(key)
	defer t.forgetSeq(key)

	if err := t.post(ctx, key, seq, nil, true); err != nil {
		return err
	}
	t.metrics.framesTotal.WithLabelValues("close").Inc()
	return nil
}

// Recv implements [Transport].
func (t *HTTP) Recv(ctx context.Context, key Key) (arrow.Record, error) {
	return t.inbox.Recv(ctx, key)
}

func (t *HTTP) nextSeq(key Key) int64 {
	t.seqMut.Lock()
	defer t.seqMut.Unlock()

	seq := t.seqs[key]
	t.seqs[key] = seq + 1
	return seq
}

func (t *HTTP) forgetSeq(key Key) {
	t.seqMut.Lock()
	defer t.seqMut.Unlock()
	delete(t.seqs, key)
}

// errPermanent marks a request failure which retrying cannot fix.
type errPermanent struct{ err error }

func (e errPermanent) Error() string { return e.err.Error() }
func (e errPermanent) Unwrap() error { return e.err }

// post sends a single frame to the destination of key, retrying transient
// failures. Retrying is safe because the receiver drops duplicate sequence
// numbers.
func (t *HTTP) post(ctx context.Context, key Key, seq int64, body []byte, closing bool) error {
	url := fmt.Sprintf("http://%s/exchange/v1/%d/%d/%d", key.Destination.HostPort(), key.Token, key.Kernel, key.Partition)

	b := backoff.New(ctx, t.cfg.Retry)

	var lastErr error
	for b.Ongoing() {
		err := t.do(ctx, url, key, seq, body, closing)
		if err == nil {
			return nil
		}
		lastErr = err

		var perm errPermanent
		if errors.As(err, &perm) {
			break
		}

		level.Debug(t.logger).Log("msg", "retrying exchange request", "key", key, "seq", seq, "err", err)
		t.metrics.retriesTotal.Inc()
		b.Wait()
	}

	if cause := context.Cause(ctx); cause != nil {
		return cause
	}
	return fmt.Errorf("%w: sending to %s after %d retries: %w", engineerrors.ErrCommunication, key.Destination, b.NumRetries(), lastErr)
}

func (t *HTTP) do(ctx context.Context, url string, key Key, seq int64, body []byte, closing bool) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return errPermanent{err}
	}
	req.Header.Set(headerSource, key.Source.String())
	req.Header.Set(headerDestination, key.Destination.String())
	req.Header.Set(headerSequence, strconv.FormatInt(seq, 10))
	if closing {
		req.Header.Set(headerClose, "true")
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))

	switch {
	case resp.StatusCode/100 == 2:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode/100 == 5:
		return fmt.Errorf("peer responded %s: %s", resp.Status, bytes.TrimSpace(msg))
	default:
		return errPermanent{fmt.Errorf("peer responded %s: %s", resp.Status, bytes.TrimSpace(msg))}
	}
}

func (t *HTTP) handleExchange(w http.ResponseWriter, r *http.Request) {
	key, seq, err := parseExchangeRequest(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if key.Destination != t.local {
		http.Error(w, fmt.Sprintf("exchange for %s received by %s", key.Destination, t.local), http.StatusMisdirectedRequest)
		return
	}

	var (
		accepted bool
		op       = "recv"
	)
	if r.Header.Get(headerClose) == "true" {
		op = "recv_close"
		accepted, err = t.inbox.deliverClose(key, seq)
	} else {
		var rec arrow.Record
		rec, err = t.codec.ReadRecord(r.Body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		accepted, err = t.inbox.deliver(key, seq, rec)
		rec.Release()
	}

	switch {
	case err != nil:
		level.Warn(t.logger).Log("msg", "rejected exchange frame", "key", key, "seq", seq, "err", err)
		http.Error(w, err.Error(), http.StatusConflict)
		return
	case !accepted:
		t.metrics.framesTotal.WithLabelValues("duplicate").Inc()
	default:
		t.metrics.framesTotal.WithLabelValues(op).Inc()
	}
	w.WriteHeader(http.StatusNoContent)
}

func parseExchangeRequest(r *http.Request) (Key, int64, error) {
	vars := mux.Vars(r)

	token, err := strconv.ParseUint(vars["token"], 10, 32)
	if err != nil {
		return Key{}, 0, fmt.Errorf("invalid token: %w", err)
	}
	kernel, err := strconv.Atoi(vars["kernel"])
	if err != nil {
		return Key{}, 0, fmt.Errorf("invalid kernel: %w", err)
	}
	partition, err := strconv.Atoi(vars["partition"])
	if err != nil {
		return Key{}, 0, fmt.Errorf("invalid partition: %w", err)
	}

	source, err := cluster.ParseNode(r.Header.Get(headerSource))
	if err != nil {
		return Key{}, 0, fmt.Errorf("invalid source: %w", err)
	}
	dest, err := cluster.ParseNode(r.Header.Get(headerDestination))
	if err != nil {
		return Key{}, 0, fmt.Errorf("invalid destination: %w", err)
	}
	seq, err := strconv.ParseInt(r.Header.Get(headerSequence), 10, 64)
	if err != nil || seq < 0 {
		return Key{}, 0, fmt.Errorf("invalid sequence %q", r.Header.Get(headerSequence))
	}

	return Key{
		Token:       uint32(token),
		Kernel:      kernel,
		Source:      source,
		Destination: dest,
		Partition:   partition,
	}, seq, nil
}
