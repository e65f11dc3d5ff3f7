package mailscan

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrMailboxConnect 无法连接邮箱服务器
	ErrMailboxConnect = errors.New("mailbox connect failed")
	// ErrMailboxAuth 登录被拒绝
	ErrMailboxAuth = errors.New("mailbox authentication failed")
	// ErrMailboxAccess 选择邮箱、搜索或拉取失败
	ErrMailboxAccess = errors.New("mailbox access failed")
	// ErrEmptyIdentity 目标地址为空
	ErrEmptyIdentity = errors.New("empty target identity")
)

// Config 扫描器配置
type Config struct {
	Addr               string // host:port
	Username           string
	Password           string
	TLS                bool
	InsecureSkipVerify bool
	Mailbox            string
	Window             time.Duration // 只看最近这段时间内的邮件
	MaxMessages        int           // 最多检查的邮件数
	Timeout            time.Duration // 单次扫描总超时
	Workers            int           // 并发解析数
	Markers            []string
}

func (c *Config) setDefaults() {
	if c.Mailbox == "" {
		c.Mailbox = "INBOX"
	}
	if c.Window <= 0 {
		c.Window = 24 * time.Hour
	}
	if c.MaxMessages <= 0 {
		c.MaxMessages = 20
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
}

// Conn 扫描所需的 IMAP 会话操作，*client.Client 满足该接口
type Conn interface {
	Login(username, password string) error
	Select(name string, readOnly bool) (*imap.MailboxStatus, error)
	Search(criteria *imap.SearchCriteria) ([]uint32, error)
	Fetch(seqset *imap.SeqSet, items []imap.FetchItem, ch chan *imap.Message) error
	Logout() error
	Terminate() error
}

// DialFunc 建立 IMAP 连接
type DialFunc func(ctx context.Context, cfg Config) (Conn, error)

// Result 一次扫描的结果，Found 为 false 表示暂未收到验证码
type Result struct {
	Code       string    `json:"code,omitempty"`
	Found      bool      `json:"found"`
	Checked    int       `json:"checked"`
	ReceivedAt time.Time `json:"receivedAt,omitempty"`
}

// Scanner 在共享邮箱中查找发给指定地址的验证码
type Scanner struct {
	cfg        Config
	dial       DialFunc
	classifier *Classifier
	log        *zap.Logger
	now        func() time.Time
}

// Option 扫描器选项
type Option func(*Scanner)

// WithDialer 替换连接方式，测试中使用
func WithDialer(dial DialFunc) Option {
	return func(s *Scanner) { s.dial = dial }
}

// WithClock 替换时钟
func WithClock(now func() time.Time) Option {
	return func(s *Scanner) { s.now = now }
}

// NewScanner 创建扫描器
func NewScanner(cfg Config, log *zap.Logger, opts ...Option) *Scanner {
	cfg.setDefaults()
	if log == nil {
		log = zap.NewNop()
	}
	s := &Scanner{
		cfg:        cfg,
		dial:       DialIMAP,
		classifier: NewClassifier(cfg.Markers),
		log:        log.Named("mailscan"),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// DialIMAP 使用 go-imap 客户端建立连接。
//
// TCP 连接、TLS 握手和读取服务器问候都受 ctx 约束，ctx 结束时底层连接被关闭。
func DialIMAP(ctx context.Context, cfg Config) (Conn, error) {
	var dialer net.Dialer
	raw, err := dialer.DialContext(ctx, "tcp", cfg.Addr)
	if err != nil {
		return nil, err
	}

	stop := context.AfterFunc(ctx, func() {
		_ = raw.Close()
	})

	conn := raw
	if cfg.TLS {
		host, _, _ := net.SplitHostPort(cfg.Addr)
		tlsConn := tls.Client(raw, &tls.Config{
			ServerName:         host,
			InsecureSkipVerify: cfg.InsecureSkipVerify,
		})
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			stop()
			_ = raw.Close()
			return nil, fmt.Errorf("tls handshake: %w", err)
		}
		conn = tlsConn
	}

	c, err := client.New(conn)
	if !stop() {
		// ctx 已结束，连接已被关闭
		if c != nil {
			_ = c.Terminate()
		}
		if err == nil {
			err = ctx.Err()
		}
		return nil, fmt.Errorf("read greeting: %w", err)
	}
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("read greeting: %w", err)
	}
	c.Timeout = cfg.Timeout
	return c, nil
}

// fetchedMessage 拉取到的原始邮件片段
type fetchedMessage struct {
	seq          uint32
	uid          uint32
	internalDate time.Time
	header       []byte
	text         []byte
}

type candidate struct {
	code         string
	seq          uint32
	internalDate time.Time
}

// Scan 查找发给 identity 的最新验证码。
//
// 未找到时返回 Found=false 且 err 为 nil；连接、认证、访问失败分别包装
// ErrMailboxConnect、ErrMailboxAuth、ErrMailboxAccess。
func (s *Scanner) Scan(ctx context.Context, identity string) (Result, error) {
	identity = strings.ToLower(strings.TrimSpace(identity))
	if identity == "" {
		return Result{}, ErrEmptyIdentity
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	log := s.log.With(zap.String("identity", identity))

	conn, err := s.dial(ctx, s.cfg)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %w", ErrMailboxConnect, err)
	}

	// 超时或取消时强制断开，阻塞中的命令随之返回
	stop := context.AfterFunc(ctx, func() {
		_ = conn.Terminate()
	})
	defer func() {
		if stop() {
			if err := conn.Logout(); err != nil {
				log.Debug("imap logout failed", zap.Error(err))
			}
		}
	}()

	if err := conn.Login(s.cfg.Username, s.cfg.Password); err != nil {
		return Result{}, s.accessError(ctx, ErrMailboxAuth, err)
	}
	if _, err := conn.Select(s.cfg.Mailbox, true); err != nil {
		return Result{}, s.accessError(ctx, ErrMailboxAccess, fmt.Errorf("select %s: %w", s.cfg.Mailbox, err))
	}

	since := s.now().Add(-s.cfg.Window)
	criteria := imap.NewSearchCriteria()
	criteria.Since = since

	seqs, err := conn.Search(criteria)
	if err != nil {
		return Result{}, s.accessError(ctx, ErrMailboxAccess, fmt.Errorf("search: %w", err))
	}
	if len(seqs) == 0 {
		log.Debug("no recent messages")
		return Result{}, nil
	}

	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
	if len(seqs) > s.cfg.MaxMessages {
		seqs = seqs[len(seqs)-s.cfg.MaxMessages:]
	}

	messages, err := s.fetch(conn, seqs)
	if err != nil {
		return Result{}, s.accessError(ctx, ErrMailboxAccess, fmt.Errorf("fetch: %w", err))
	}

	found := s.evaluate(ctx, log, identity, since, messages)

	result := Result{Checked: len(messages)}
	if found != nil {
		result.Code = found.code
		result.Found = true
		result.ReceivedAt = found.internalDate
	}
	log.Info("mailbox scanned",
		zap.Int("checked", result.Checked),
		zap.Bool("found", result.Found),
	)
	return result, nil
}

// accessError 超时时附带 ctx 错误，便于上层区分
func (s *Scanner) accessError(ctx context.Context, kind, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%w: %w", kind, ctxErr)
	}
	return fmt.Errorf("%w: %w", kind, err)
}

var (
	headerSection = &imap.BodySectionName{
		BodyPartName: imap.BodyPartName{
			Specifier: imap.HeaderSpecifier,
			Fields:    []string{"FROM", "TO", "SUBJECT", "CONTENT-TYPE", "CONTENT-TRANSFER-ENCODING"},
		},
		Peek: true,
	}
	textSection = &imap.BodySectionName{
		BodyPartName: imap.BodyPartName{Specifier: imap.TextSpecifier},
		Peek:         true,
	}
)

func (s *Scanner) fetch(conn Conn, seqs []uint32) ([]fetchedMessage, error) {
	seqset := new(imap.SeqSet)
	seqset.AddNum(seqs...)

	items := []imap.FetchItem{
		imap.FetchUid,
		imap.FetchInternalDate,
		headerSection.FetchItem(),
		textSection.FetchItem(),
	}

	ch := make(chan *imap.Message, len(seqs))
	done := make(chan error, 1)
	go func() {
		done <- conn.Fetch(seqset, items, ch)
	}()

	messages := make([]fetchedMessage, 0, len(seqs))
	for msg := range ch {
		fm := fetchedMessage{
			seq:          msg.SeqNum,
			uid:          msg.Uid,
			internalDate: msg.InternalDate,
		}
		for section, literal := range msg.Body {
			if literal == nil {
				continue
			}
			data, err := io.ReadAll(literal)
			if err != nil {
				continue
			}
			switch section.Specifier {
			case imap.HeaderSpecifier:
				fm.header = data
			case imap.TextSpecifier:
				fm.text = data
			}
		}
		messages = append(messages, fm)
	}

	if err := <-done; err != nil {
		return nil, err
	}
	return messages, nil
}

// evaluate 并发解析邮件，全部完成后选出内部日期最新的候选
func (s *Scanner) evaluate(ctx context.Context, log *zap.Logger, identity string, since time.Time, messages []fetchedMessage) *candidate {
	var (
		mu         sync.Mutex
		candidates []candidate
	)

	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Workers)

	for _, m := range messages {
		g.Go(func() error {
			code, ok := s.inspect(log, identity, since, m)
			if !ok {
				return nil
			}
			mu.Lock()
			candidates = append(candidates, candidate{code: code, seq: m.seq, internalDate: m.internalDate})
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	if len(candidates) == 0 {
		return nil
	}
	best := candidates[0]
	for _, c := range candidates[1:] {
		if c.internalDate.After(best.internalDate) ||
			(c.internalDate.Equal(best.internalDate) && c.seq > best.seq) {
			best = c
		}
	}
	return &best
}

// inspect 检查单封邮件，解析失败只记录日志
func (s *Scanner) inspect(log *zap.Logger, identity string, since time.Time, m fetchedMessage) (string, bool) {
	// SINCE 只按日期比较，这里按精确时间再过滤一次
	if !m.internalDate.IsZero() && m.internalDate.Before(since) {
		return "", false
	}
	if len(m.header) == 0 {
		log.Warn("message without header section", zap.Uint32("seq", m.seq))
		return "", false
	}

	raw := make([]byte, 0, len(m.header)+len(m.text)+2)
	raw = append(raw, bytes.TrimRight(m.header, "\r\n")...)
	raw = append(raw, "\r\n\r\n"...)
	raw = append(raw, m.text...)

	parsed, err := parseMessage(raw)
	if err != nil {
		log.Warn("failed to parse message",
			zap.Uint32("seq", m.seq),
			zap.Uint32("uid", m.uid),
			zap.Error(err),
		)
		return "", false
	}

	if !strings.Contains(strings.ToLower(parsed.To), identity) {
		return "", false
	}

	body := parsed.body()
	if !s.classifier.Relevant(parsed.Subject, body) {
		return "", false
	}
	return ExtractCode(body)
}
