// Package smtpclient drives the subset of SMTP used for notification
// delivery: HELO, MAIL FROM, RCPT TO with 551 forward-chasing, DATA with
// chunked body writes, QUIT.
//
// Envelope addresses are appended verbatim to the command word, without
// angle brackets. That shape is required for compatibility with the relays
// this service talks to, and is why the session is driven directly over
// net/textproto instead of a client library (every library normalizes the
// envelope into <...> form).
package smtpclient

import (
	"bufio"
	"io"
	"net"
	"net/textproto"
	"strconv"
	"strings"
	"time"
)

const (
	// heloIdentity is the fixed identity announced on session open.
	heloIdentity = "me"

	// DataChunkSize is the slice size used when streaming message bodies.
	DataChunkSize = 3000

	// rcptForwardAttempts caps how many times a 551 "user not local" reply
	// is chased with the forward address it suggests.
	rcptForwardAttempts = 21

	dialTimeout    = 30 * time.Second
	commandTimeout = 30 * time.Second

	crlf = "\r\n"
)

// Reply is a single SMTP server response.
type Reply struct {
	Code int
	Text string
}

// Session is the delivery surface the dispatcher drives. Reply codes are
// returned as-is; only transport and protocol problems surface as errors.
type Session interface {
	MailFrom(email string) (Reply, error)
	RcptTo(email string) (Reply, error)
	OpenData() (Reply, error)
	WriteHeaders(from, to, subject string, date time.Time) error
	WriteString(s string) error
	WriteChunks(body io.Reader) error
	CloseData() (Reply, error)
	Close()
}

// Client is a live SMTP session.
type Client struct {
	conn net.Conn
	out  io.Writer
	text *textproto.Reader
}

var _ Session = (*Client)(nil)

// Open connects to host:port and issues HELO. The session is usable only
// when the connect reply is 220 and the HELO reply is 250; in every other
// case the last reply read is returned alongside the error so callers can
// record it.
func Open(host string, port int) (*Client, Reply, error) {
	conn, err := net.DialTimeout("tcp", net.JoinHostPort(host, strconv.Itoa(port)), dialTimeout)
	if err != nil {
		return nil, Reply{}, localError("open", Reply{}, err)
	}

	c := &Client{
		conn: conn,
		out:  conn,
		text: textproto.NewReader(bufio.NewReader(conn)),
	}

	greeting, err := c.readReply("open")
	if err != nil {
		conn.Close()
		return nil, greeting, err
	}
	if greeting.Code != 220 {
		conn.Close()
		return nil, greeting, &Error{Op: "open", Class: Classify(greeting.Code), Reply: greeting}
	}

	helo, err := c.cmd("helo", "HELO "+heloIdentity)
	if err != nil {
		conn.Close()
		return nil, helo, err
	}
	if helo.Code != 250 {
		conn.Close()
		return nil, helo, &Error{Op: "helo", Class: Classify(helo.Code), Reply: helo}
	}

	return c, helo, nil
}

// MailFrom issues MAIL FROM. Success is reply code 250; the caller decides
// what any other code means.
func (c *Client) MailFrom(email string) (Reply, error) {
	return c.cmd("mail_from", "MAIL FROM:"+email)
}

// RcptTo issues RCPT TO. On a 551 reply the server names a forward address
// in its text; the first whitespace-delimited token containing "@" is
// retried, up to rcptForwardAttempts times. Any reply other than 551 is
// returned immediately, and a transport error terminates the chase with the
// last reply read.
func (c *Client) RcptTo(email string) (Reply, error) {
	addr := email
	reply, err := c.cmd("rcpt_to", "RCPT TO:"+addr)
	if err != nil {
		return reply, err
	}

	for retries := 0; reply.Code == 551 && retries < rcptForwardAttempts; retries++ {
		forward, ok := forwardAddress(reply.Text)
		if !ok {
			return reply, nil
		}
		addr = forward
		reply, err = c.cmd("rcpt_to", "RCPT TO:"+addr)
		if err != nil {
			return reply, err
		}
	}

	return reply, nil
}

// forwardAddress extracts the forward address from a 551 reply text: the
// first whitespace-delimited token containing "@".
func forwardAddress(text string) (string, bool) {
	for _, token := range strings.Fields(text) {
		if strings.Contains(token, "@") {
			return token, true
		}
	}
	return "", false
}

// OpenData issues DATA. Success is reply code 354, carried through.
func (c *Client) OpenData() (Reply, error) {
	return c.cmd("open_data", "DATA")
}

// FormatDate renders a timestamp in the header date shape used on the wire.
func FormatDate(t time.Time) string {
	return t.Format("Mon, 02 Jan 2006 15:04:05")
}

// WriteHeaders writes the message headers followed by a blank line.
// Subject deliberately has no space after the colon; peers depend on the
// historical shape (known deviation from RFC 5322).
func (c *Client) WriteHeaders(from, to, subject string, date time.Time) error {
	var b strings.Builder
	b.WriteString("Date: " + FormatDate(date) + crlf)
	b.WriteString("From: " + from + crlf)
	b.WriteString("To: " + to + crlf)
	b.WriteString("Subject:" + subject + crlf)
	b.WriteString("Content-type: text/plain" + crlf)
	b.WriteString(crlf)
	return c.write("write_headers", []byte(b.String()))
}

// WriteString writes s into the open DATA section.
func (c *Client) WriteString(s string) error {
	return c.write("write_string", []byte(s))
}

// WriteChunks streams body into the open DATA section in DataChunkSize
// slices until exhausted.
func (c *Client) WriteChunks(body io.Reader) error {
	buf := make([]byte, DataChunkSize)
	for {
		n, err := io.ReadFull(body, buf)
		if n > 0 {
			if werr := c.write("write_chunks", buf[:n]); werr != nil {
				return werr
			}
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil
		}
		if err != nil {
			return localError("write_chunks", Reply{}, err)
		}
	}
}

// CloseData terminates the DATA section. Success is reply code 250.
func (c *Client) CloseData() (Reply, error) {
	if err := c.write("close_data", []byte(crlf+"."+crlf)); err != nil {
		return Reply{}, err
	}
	return c.readReply("close_data")
}

// Close issues QUIT best-effort and closes the connection.
func (c *Client) Close() {
	_, _ = c.cmd("quit", "QUIT")
	if c.conn != nil {
		c.conn.Close()
	}
}

func (c *Client) cmd(op, line string) (Reply, error) {
	if err := c.write(op, []byte(line+crlf)); err != nil {
		return Reply{}, err
	}
	return c.readReply(op)
}

func (c *Client) readReply(op string) (Reply, error) {
	if c.conn != nil {
		_ = c.conn.SetReadDeadline(time.Now().Add(commandTimeout))
	}
	code, text, err := c.text.ReadResponse(0)
	reply := Reply{Code: code, Text: text}
	if err != nil {
		return reply, localError(op, reply, err)
	}
	return reply, nil
}

func (c *Client) write(op string, p []byte) error {
	if c.conn != nil {
		_ = c.conn.SetWriteDeadline(time.Now().Add(commandTimeout))
	}
	if _, err := c.out.Write(p); err != nil {
		return localError(op, Reply{}, err)
	}
	return nil
}
