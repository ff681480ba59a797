package lock

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"
)

// Compare-and-delete and compare-and-expire so a holder never touches a
// lease that was taken over after its own expired.
const (
	releaseScript = `if redis.call("GET", KEYS[1]) == ARGV[1] then return redis.call("DEL", KEYS[1]) else return 0 end`
	extendScript  = `if redis.call("GET", KEYS[1]) == ARGV[1] then return redis.call("PEXPIRE", KEYS[1], ARGV[2]) else return 0 end`
)

// ValkeyConfig holds connection parameters for the lock store.
type ValkeyConfig struct {
	Addr         string
	Username     string
	Password     string
	DB           int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	MaxRetries   int
	TLS          bool
}

// ValkeyLocker implements Locker against a Valkey or Redis server using
// SET NX PX. Each call opens a short-lived connection.
type ValkeyLocker struct {
	cfg ValkeyConfig
}

// NewValkeyLocker pings addr so bad credentials fail at startup.
func NewValkeyLocker(ctx context.Context, cfg ValkeyConfig) (*ValkeyLocker, error) {
	if cfg.Addr == "" {
		return nil, errors.New("valkey addr is required")
	}
	applyDefaults(&cfg)
	l := &ValkeyLocker{cfg: cfg}

	ctx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
	defer cancel()
	if err := l.ping(ctx); err != nil {
		return nil, fmt.Errorf("ping valkey: %w", err)
	}
	return l, nil
}

// Acquire sets key to token only if the key is absent.
func (l *ValkeyLocker) Acquire(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	var acquired bool
	err := l.do(ctx, func(c *respConn) error {
		r, err := c.call("SET", key, token, "PX", millis(ttl), "NX")
		if err != nil {
			return err
		}
		switch r.kind {
		case kindStatus:
			acquired = true
		case kindNil:
			acquired = false
		default:
			return fmt.Errorf("unexpected SET reply %q", r.kind)
		}
		return nil
	})
	return acquired, err
}

// Extend pushes the expiry of a lease still owned by token.
func (l *ValkeyLocker) Extend(ctx context.Context, key, token string, ttl time.Duration) error {
	return l.do(ctx, func(c *respConn) error {
		r, err := c.call("EVAL", extendScript, "1", key, token, millis(ttl))
		if err != nil {
			return err
		}
		if r.kind != kindInteger {
			return fmt.Errorf("unexpected EVAL reply %q", r.kind)
		}
		if string(r.data) == "0" {
			return ErrNotHeld
		}
		return nil
	})
}

// Release deletes key if token still owns it. Releasing a lost lease is not
// an error.
func (l *ValkeyLocker) Release(ctx context.Context, key, token string) error {
	return l.do(ctx, func(c *respConn) error {
		r, err := c.call("EVAL", releaseScript, "1", key, token)
		if err != nil {
			return err
		}
		if r.kind != kindInteger {
			return fmt.Errorf("unexpected EVAL reply %q", r.kind)
		}
		return nil
	})
}

// Close is a no-op; connections are per call.
func (l *ValkeyLocker) Close() error { return nil }

func (l *ValkeyLocker) ping(ctx context.Context) error {
	return l.do(ctx, func(c *respConn) error {
		r, err := c.call("PING")
		if err != nil {
			return err
		}
		if r.kind != kindStatus || string(r.data) != "PONG" {
			return fmt.Errorf("unexpected PING reply: %s", r.data)
		}
		return nil
	})
}

func (l *ValkeyLocker) do(ctx context.Context, fn func(*respConn) error) error {
	var lastErr error
	for attempt := 0; attempt < l.cfg.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if attempt > 0 {
			time.Sleep(retryDelay(attempt - 1))
		}
		err := l.attempt(ctx, fn)
		if err == nil {
			return nil
		}
		lastErr = err
		if !retryable(err) {
			return err
		}
	}
	return lastErr
}

func (l *ValkeyLocker) attempt(ctx context.Context, fn func(*respConn) error) error {
	c, err := l.dial(ctx)
	if err != nil {
		return err
	}
	defer c.conn.Close()
	if err := l.handshake(c); err != nil {
		return err
	}
	return fn(c)
}

func (l *ValkeyLocker) dial(ctx context.Context) (*respConn, error) {
	dialer := net.Dialer{Timeout: dialTimeout(ctx, l.cfg.DialTimeout)}
	var (
		conn net.Conn
		err  error
	)
	if l.cfg.TLS {
		host, _, splitErr := net.SplitHostPort(l.cfg.Addr)
		if splitErr != nil {
			host = l.cfg.Addr
		}
		conn, err = tls.DialWithDialer(&dialer, "tcp", l.cfg.Addr, &tls.Config{MinVersion: tls.VersionTLS12, ServerName: host})
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", l.cfg.Addr)
	}
	if err != nil {
		return nil, err
	}
	return newRespConn(conn, l.cfg.ReadTimeout, l.cfg.WriteTimeout), nil
}

func (l *ValkeyLocker) handshake(c *respConn) error {
	if l.cfg.Password != "" {
		args := []string{l.cfg.Password}
		if l.cfg.Username != "" {
			args = []string{l.cfg.Username, l.cfg.Password}
		}
		if err := c.expectOK("AUTH", args...); err != nil {
			return fmt.Errorf("auth: %w", err)
		}
	}
	if l.cfg.DB > 0 {
		if err := c.expectOK("SELECT", strconv.Itoa(l.cfg.DB)); err != nil {
			return fmt.Errorf("select db %d: %w", l.cfg.DB, err)
		}
	}
	return nil
}

type replyKind string

const (
	kindStatus  replyKind = "status"
	kindInteger replyKind = "integer"
	kindBulk    replyKind = "bulk"
	kindNil     replyKind = "nil"
)

type reply struct {
	kind replyKind
	data []byte
}

// serverError is an error reply; it is never retried.
type serverError string

func (e serverError) Error() string { return "valkey: " + string(e) }

type respConn struct {
	conn         net.Conn
	r            *bufio.Reader
	w            *bufio.Writer
	readTimeout  time.Duration
	writeTimeout time.Duration
}

func newRespConn(conn net.Conn, readTimeout, writeTimeout time.Duration) *respConn {
	return &respConn{
		conn:         conn,
		r:            bufio.NewReader(conn),
		w:            bufio.NewWriter(conn),
		readTimeout:  readTimeout,
		writeTimeout: writeTimeout,
	}
}

func (c *respConn) call(args ...string) (reply, error) {
	if err := c.send(args...); err != nil {
		return reply{}, err
	}
	return c.receive()
}

func (c *respConn) expectOK(command string, args ...string) error {
	r, err := c.call(append([]string{command}, args...)...)
	if err != nil {
		return err
	}
	if r.kind != kindStatus || !strings.EqualFold(string(r.data), "OK") {
		return fmt.Errorf("unexpected %s reply: %s", command, r.data)
	}
	return nil
}

func (c *respConn) send(args ...string) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return err
	}
	fmt.Fprintf(c.w, "*%d\r\n", len(args))
	for _, a := range args {
		fmt.Fprintf(c.w, "$%d\r\n%s\r\n", len(a), a)
	}
	return c.w.Flush()
}

func (c *respConn) receive() (reply, error) {
	if err := c.conn.SetReadDeadline(time.Now().Add(c.readTimeout)); err != nil {
		return reply{}, err
	}
	line, err := c.line()
	if err != nil {
		return reply{}, err
	}
	if len(line) == 0 {
		return reply{}, errors.New("empty RESP reply")
	}
	body := line[1:]
	switch line[0] {
	case '+':
		return reply{kind: kindStatus, data: body}, nil
	case '-':
		return reply{}, serverError(body)
	case ':':
		return reply{kind: kindInteger, data: body}, nil
	case '_':
		return reply{kind: kindNil}, nil
	case '$':
		size, err := strconv.Atoi(string(body))
		if err != nil {
			return reply{}, fmt.Errorf("bad bulk length %q", body)
		}
		if size < 0 {
			return reply{kind: kindNil}, nil
		}
		buf := make([]byte, size+2)
		if _, err := io.ReadFull(c.r, buf); err != nil {
			return reply{}, err
		}
		if buf[size] != '\r' || buf[size+1] != '\n' {
			return reply{}, errors.New("invalid bulk termination")
		}
		return reply{kind: kindBulk, data: buf[:size]}, nil
	default:
		return reply{}, fmt.Errorf("unexpected RESP prefix %q", line[0])
	}
}

func (c *respConn) line() ([]byte, error) {
	s, err := c.r.ReadString('\n')
	if err != nil {
		return nil, err
	}
	return []byte(strings.TrimRight(s, "\r\n")), nil
}

func applyDefaults(cfg *ValkeyConfig) {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 2 * time.Second
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 500 * time.Millisecond
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 500 * time.Millisecond
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 1
	}
}

func dialTimeout(ctx context.Context, d time.Duration) time.Duration {
	if deadline, ok := ctx.Deadline(); ok {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return time.Millisecond
		}
		if remaining < d {
			return remaining
		}
	}
	return d
}

func retryDelay(attempt int) time.Duration {
	return time.Duration(1<<attempt) * 25 * time.Millisecond
}

func retryable(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func millis(d time.Duration) string {
	ms := d.Milliseconds()
	if ms <= 0 {
		ms = 1
	}
	return strconv.FormatInt(ms, 10)
}
