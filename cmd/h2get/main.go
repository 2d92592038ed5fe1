// Command h2get issues a single GET over a multiplexed HTTP/2 session and
// reports transfer statistics. It exists to exercise a session end to end
// against real servers.
package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/dustin/go-humanize"
	"go.uber.org/zap"
	"golang.org/x/net/http2/hpack"
	"golang.org/x/sync/errgroup"

	"github.com/ozontech/h2mux/priority"
	"github.com/ozontech/h2mux/session"
)

var CLI struct {
	Get GetCommand `cmd:"" default:"withargs" help:"Fetch a URL over HTTP/2."`
}

type GetCommand struct {
	URL      string        `arg:"" required:"" help:"Target URL (https://host[:port]/path)."`
	Header   []string      `short:"H" help:"Extra request header, name:value. Repeatable."`
	Priority string        `default:"medium" enum:"idle,lowest,low,medium,high,highest" help:"Stream priority band."`
	Timeout  time.Duration `default:"30s" help:"Overall request timeout."`
	Insecure bool          `short:"k" help:"Skip TLS certificate verification."`
	Discard  bool          `help:"Do not write the body to stdout, only count it."`

	Verbose bool `help:"Verbose output"`
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	kongCtx := kong.Parse(
		&CLI,
		kong.BindTo(ctx, (*context.Context)(nil)),
		kong.ConfigureHelp(kong.HelpOptions{
			Tree:    true,
			Compact: true,
		}),
		kong.Description("h2get fetches one URL over a multiplexed HTTP/2 session."),
	)
	err := kongCtx.Run()
	kongCtx.FatalIfErrorf(err)
}

var priorityLevels = map[string]priority.Level{
	"idle":    priority.Idle,
	"lowest":  priority.Lowest,
	"low":     priority.Low,
	"medium":  priority.Medium,
	"high":    priority.High,
	"highest": priority.Highest,
}

func (c *GetCommand) Run(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.Timeout)
	defer cancel()

	u, err := url.Parse(c.URL)
	if err != nil {
		return fmt.Errorf("parse url: %w", err)
	}
	if u.Scheme != "https" {
		return fmt.Errorf("unsupported scheme %q: only https carries HTTP/2 here", u.Scheme)
	}
	host := u.Host
	if u.Port() == "" {
		host = net.JoinHostPort(u.Hostname(), "443")
	}
	path := u.RequestURI()

	headers, err := c.requestHeaders(u.Host, path)
	if err != nil {
		return err
	}

	log := zap.NewNop()
	if c.Verbose {
		log = zap.Must(zap.NewDevelopment())
	}

	conn, err := (&tls.Dialer{Config: &tls.Config{
		NextProtos:         []string{"h2"},
		ServerName:         u.Hostname(),
		InsecureSkipVerify: c.Insecure, //nolint:gosec // explicit -k flag
	}}).DialContext(ctx, "tcp", host)
	if err != nil {
		return fmt.Errorf("dial %s: %w", host, err)
	}

	cfg := session.DefaultConfig()
	sess, err := session.New(conn, session.PoolKey{Destination: host}, nil, cfg, log)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sess.Run(ctx) })

	d := &printingDelegate{
		out:     os.Stdout,
		discard: c.Discard,
		started: time.Now(),
		done:    make(chan error, 1),
	}
	req := session.NewStreamRequest(session.StreamKindRequestResponse, priorityLevels[c.Priority], d)
	st, err := req.Start(ctx, sess, nil)
	if err != nil {
		return fmt.Errorf("start stream: %w", err)
	}
	if st == nil {
		return fmt.Errorf("stream unexpectedly queued on a fresh session")
	}
	if err := st.SendRequestHeaders(headers, true); err != nil {
		return fmt.Errorf("send request: %w", err)
	}

	select {
	case err = <-d.done:
	case <-ctx.Done():
		err = ctx.Err()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = sess.Shutdown(shutdownCtx)
	_ = g.Wait()
	if err != nil {
		return err
	}

	elapsed := time.Since(d.started)
	fmt.Fprintf(os.Stderr, "status %d, %s in %s (%s/s)\n",
		d.status,
		humanize.IBytes(d.received),
		elapsed.Round(time.Millisecond),
		humanize.IBytes(uint64(float64(d.received)/elapsed.Seconds())),
	)
	return nil
}

func (c *GetCommand) requestHeaders(authority, path string) ([]hpack.HeaderField, error) {
	headers := []hpack.HeaderField{
		{Name: ":method", Value: "GET"},
		{Name: ":scheme", Value: "https"},
		{Name: ":authority", Value: authority},
		{Name: ":path", Value: path},
	}
	for _, h := range c.Header {
		name, value, ok := strings.Cut(h, ":")
		if !ok {
			return nil, fmt.Errorf("malformed header %q: want name:value", h)
		}
		headers = append(headers, hpack.HeaderField{
			Name:  strings.ToLower(strings.TrimSpace(name)),
			Value: strings.TrimSpace(value),
		})
	}
	return headers, nil
}

// printingDelegate streams the response body to out and resolves done once
// the stream closes.
type printingDelegate struct {
	session.NoopDelegate

	out      *os.File
	discard  bool
	started  time.Time
	status   int
	received uint64
	done     chan error
}

func (d *printingDelegate) OnHeadersReceived(_ *session.Stream, status int, headers []hpack.HeaderField) {
	d.status = status
	for _, f := range headers {
		fmt.Fprintf(os.Stderr, "< %s: %s\n", f.Name, f.Value)
	}
}

func (d *printingDelegate) OnDataReceived(s *session.Stream, data []byte) {
	d.received += uint64(len(data))
	if !d.discard {
		_, _ = d.out.Write(data)
	}
	s.Consume(len(data))
}

func (d *printingDelegate) OnTrailersReceived(_ *session.Stream, trailers []hpack.HeaderField) {
	for _, f := range trailers {
		fmt.Fprintf(os.Stderr, "< %s: %s\n", f.Name, f.Value)
	}
}

func (d *printingDelegate) OnClosed(_ *session.Stream, err error) {
	d.done <- err
}
