package mailscan

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/mail"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/japanese"
	"golang.org/x/text/encoding/korean"
	"golang.org/x/text/encoding/simplifiedchinese"
	"golang.org/x/text/encoding/traditionalchinese"
	"golang.org/x/text/transform"
)

// parsedMessage 解析后的邮件，只保留识别验证码需要的字段。
type parsedMessage struct {
	Subject string
	From    string
	To      string
	Text    string
	HTML    string
}

// body 返回可供匹配的纯文本，仅有 HTML 时转换为文本。
func (m *parsedMessage) body() string {
	if strings.TrimSpace(m.Text) != "" {
		return m.Text
	}
	if m.HTML != "" {
		return htmlToText(m.HTML)
	}
	return ""
}

// parseMessage 解析由头部字段和正文拼接成的邮件。
func parseMessage(raw []byte) (*parsedMessage, error) {
	msg, err := mail.ReadMessage(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("parse mail: %w", err)
	}

	parsed := &parsedMessage{
		Subject: decodeHeader(msg.Header.Get("Subject")),
		From:    decodeHeader(msg.Header.Get("From")),
		To:      decodeHeader(msg.Header.Get("To")),
	}

	mediaType, params, err := mime.ParseMediaType(msg.Header.Get("Content-Type"))
	if err != nil {
		// 没有 Content-Type 或解析失败，当作纯文本处理
		body, err := decodeBody(msg.Body, msg.Header.Get("Content-Transfer-Encoding"), "")
		if err != nil {
			return nil, fmt.Errorf("decode body: %w", err)
		}
		parsed.Text = body
		return parsed, nil
	}

	if strings.HasPrefix(mediaType, "multipart/") {
		boundary := params["boundary"]
		if boundary == "" {
			return nil, fmt.Errorf("multipart message without boundary")
		}
		if err := parseMultipart(multipart.NewReader(msg.Body, boundary), parsed); err != nil {
			return nil, fmt.Errorf("parse multipart: %w", err)
		}
		return parsed, nil
	}

	body, err := decodeBody(msg.Body, msg.Header.Get("Content-Transfer-Encoding"), params["charset"])
	if err != nil {
		return nil, fmt.Errorf("decode body: %w", err)
	}
	if strings.HasPrefix(mediaType, "text/html") {
		parsed.HTML = body
	} else {
		parsed.Text = body
	}
	return parsed, nil
}

// parseMultipart 递归解析多部分邮件，附件直接跳过。
func parseMultipart(mr *multipart.Reader, parsed *parsedMessage) error {
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		mediaType, params, err := mime.ParseMediaType(part.Header.Get("Content-Type"))
		if err != nil {
			mediaType = "text/plain"
		}

		if disposition := part.Header.Get("Content-Disposition"); disposition != "" {
			if dispType, _, _ := mime.ParseMediaType(disposition); dispType == "attachment" {
				continue
			}
		}

		if strings.HasPrefix(mediaType, "multipart/") {
			if boundary := params["boundary"]; boundary != "" {
				if err := parseMultipart(multipart.NewReader(part, boundary), parsed); err != nil {
					return err
				}
			}
			continue
		}

		body, err := decodeBody(part, part.Header.Get("Content-Transfer-Encoding"), params["charset"])
		if err != nil {
			continue
		}

		switch {
		case strings.HasPrefix(mediaType, "text/html"):
			if parsed.HTML == "" {
				parsed.HTML = body
			}
		case strings.HasPrefix(mediaType, "text/plain"):
			if parsed.Text == "" {
				parsed.Text = body
			}
		}
	}
}

// decodeBody 根据编码方式解码邮件体。
func decodeBody(reader io.Reader, transferEncoding string, charset string) (string, error) {
	var decoded io.Reader
	switch strings.ToLower(strings.TrimSpace(transferEncoding)) {
	case "base64":
		decoded = base64.NewDecoder(base64.StdEncoding, reader)
	case "quoted-printable":
		decoded = quotedprintable.NewReader(reader)
	default:
		decoded = reader
	}

	body, err := io.ReadAll(decoded)
	if err != nil {
		return "", err
	}

	// 字符集转换
	charset = strings.ToLower(strings.TrimSpace(charset))
	if charset != "" && charset != "utf-8" && charset != "us-ascii" {
		if enc := getCharsetEncoding(charset); enc != nil {
			if converted, _, err := transform.Bytes(enc.NewDecoder(), body); err == nil {
				body = converted
			}
		}
	}

	return string(body), nil
}

// getCharsetEncoding 根据字符集名称返回编码器
func getCharsetEncoding(charset string) encoding.Encoding {
	switch charset {
	case "windows-1251", "cp1251":
		return charmap.Windows1251
	case "koi8-r":
		return charmap.KOI8R
	case "koi8-u":
		return charmap.KOI8U
	case "iso-8859-1", "latin1":
		return charmap.ISO8859_1
	case "iso-8859-5":
		return charmap.ISO8859_5
	case "windows-1252":
		return charmap.Windows1252
	case "gb2312", "gbk", "gb18030":
		return simplifiedchinese.GBK
	case "big5":
		return traditionalchinese.Big5
	case "iso-2022-jp":
		return japanese.ISO2022JP
	case "shift_jis", "shift-jis", "sjis":
		return japanese.ShiftJIS
	case "euc-jp":
		return japanese.EUCJP
	case "euc-kr", "ks_c_5601-1987":
		return korean.EUCKR
	default:
		return nil
	}
}

var wordDecoder = &mime.WordDecoder{
	CharsetReader: func(charset string, input io.Reader) (io.Reader, error) {
		enc := getCharsetEncoding(strings.ToLower(charset))
		if enc == nil {
			return nil, fmt.Errorf("unsupported charset %q", charset)
		}
		return transform.NewReader(input, enc.NewDecoder()), nil
	},
}

func decodeHeader(value string) string {
	if value == "" {
		return value
	}
	decoded, err := wordDecoder.DecodeHeader(value)
	if err != nil {
		return value
	}
	return decoded
}

// htmlToText 提取 HTML 中的可见文本，script/style 内容忽略，块级元素之间插入空白。
func htmlToText(src string) string {
	doc, err := html.Parse(strings.NewReader(src))
	if err != nil {
		return src
	}

	var sb strings.Builder
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && (n.Data == "script" || n.Data == "style" || n.Data == "head") {
			return
		}
		if n.Type == html.TextNode {
			sb.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
		if n.Type == html.ElementNode {
			switch n.Data {
			case "p", "div", "br", "tr", "td", "li", "h1", "h2", "h3", "table":
				sb.WriteByte('\n')
			}
		}
	}
	walk(doc)

	return strings.Join(strings.Fields(sb.String()), " ")
}
