package gdpr

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/smtp"
	"net/textproto"
	"time"

	"visioncrm/internal/config"
	"visioncrm/internal/logger"

	"go.uber.org/zap"
)

const packageSubject = "Vos données personnelles"

const packageBody = `Bonjour %s,

Suite à votre demande d'accès (article 15 du RGPD), vous trouverez en pièce jointe
l'ensemble des données personnelles que %s détient à votre sujet.

Ce message a été envoyé automatiquement, merci de ne pas y répondre.
`

// sendFunc 与 smtp.SendMail 签名一致
type sendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// SMTPDeliverer 通过邮件投递访问权数据包，数据包以 JSON 附件发送
type SMTPDeliverer struct {
	cfg        config.SMTPConfig
	controller string
	send       sendFunc
	now        func() time.Time
	logger     *zap.Logger
}

// NewSMTPDeliverer 创建邮件投递器
func NewSMTPDeliverer(cfg config.SMTPConfig, controller string, l *zap.Logger) *SMTPDeliverer {
	d := &SMTPDeliverer{cfg: cfg, controller: controller, now: time.Now, logger: logger.OrNop(l)}
	d.send = smtp.SendMail
	if cfg.UseTLS {
		d.send = d.sendWithTLS
	}
	return d
}

func (d *SMTPDeliverer) Deliver(ctx context.Context, email string, pkg *DataPackage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg, err := d.buildMessage(email, pkg)
	if err != nil {
		return err
	}

	addr := fmt.Sprintf("%s:%d", d.cfg.Host, d.cfg.Port)
	var auth smtp.Auth
	if d.cfg.Username != "" {
		auth = smtp.PlainAuth("", d.cfg.Username, d.cfg.Password, d.cfg.Host)
	}
	if err := d.send(addr, auth, d.cfg.FromAddress, []string{email}, msg); err != nil {
		return fmt.Errorf("发送邮件失败: %w", err)
	}
	logger.Enrich(ctx, d.logger).Info("访问权数据包已通过邮件发送", zap.Int("bytes", len(msg)))
	return nil
}

// buildMessage 构建 multipart/mixed 邮件：正文 + JSON 附件
func (d *SMTPDeliverer) buildMessage(to string, pkg *DataPackage) ([]byte, error) {
	raw, err := json.MarshalIndent(pkg, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("序列化数据包失败: %w", err)
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	from := d.cfg.FromAddress
	if d.cfg.FromName != "" {
		from = fmt.Sprintf("%s <%s>", mime.QEncoding.Encode("utf-8", d.cfg.FromName), d.cfg.FromAddress)
	}
	fmt.Fprintf(&buf, "From: %s\r\n", from)
	fmt.Fprintf(&buf, "To: %s\r\n", to)
	fmt.Fprintf(&buf, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", packageSubject))
	fmt.Fprintf(&buf, "Date: %s\r\n", d.now().Format(time.RFC1123Z))
	buf.WriteString("MIME-Version: 1.0\r\n")
	fmt.Fprintf(&buf, "Content-Type: multipart/mixed; boundary=%q\r\n\r\n", mw.Boundary())

	body, err := mw.CreatePart(textproto.MIMEHeader{
		"Content-Type":              {"text/plain; charset=UTF-8"},
		"Content-Transfer-Encoding": {"8bit"},
	})
	if err != nil {
		return nil, err
	}
	fmt.Fprintf(body, packageBody, pkg.PersonalData.Profile.Name, d.controller)

	filename := fmt.Sprintf("donnees-personnelles-%s.json", d.now().UTC().Format("2006-01-02"))
	att, err := mw.CreatePart(textproto.MIMEHeader{
		"Content-Type":              {"application/json; charset=UTF-8"},
		"Content-Transfer-Encoding": {"base64"},
		"Content-Disposition":       {fmt.Sprintf("attachment; filename=%q", filename)},
	})
	if err != nil {
		return nil, err
	}
	if err := writeBase64(att, raw); err != nil {
		return nil, err
	}

	if err := mw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// writeBase64 按 76 列折行写入
func writeBase64(w io.Writer, raw []byte) error {
	enc := base64.StdEncoding.EncodeToString(raw)
	for len(enc) > 76 {
		if _, err := fmt.Fprintf(w, "%s\r\n", enc[:76]); err != nil {
			return err
		}
		enc = enc[76:]
	}
	_, err := fmt.Fprintf(w, "%s\r\n", enc)
	return err
}

// sendWithTLS 使用隐式 TLS（465 端口）发送
func (d *SMTPDeliverer) sendWithTLS(addr string, auth smtp.Auth, from string, to []string, msg []byte) error {
	conn, err := tls.Dial("tcp", addr, &tls.Config{ServerName: d.cfg.Host})
	if err != nil {
		return fmt.Errorf("TLS连接失败: %w", err)
	}
	defer conn.Close()

	client, err := smtp.NewClient(conn, d.cfg.Host)
	if err != nil {
		return fmt.Errorf("创建SMTP客户端失败: %w", err)
	}
	defer client.Close()

	if auth != nil {
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("SMTP认证失败: %w", err)
		}
	}
	if err := client.Mail(from); err != nil {
		return fmt.Errorf("设置发件人失败: %w", err)
	}
	for _, rcpt := range to {
		if err := client.Rcpt(rcpt); err != nil {
			return fmt.Errorf("设置收件人失败: %w", err)
		}
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("获取数据写入器失败: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		return fmt.Errorf("写入邮件内容失败: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("关闭数据写入器失败: %w", err)
	}
	return client.Quit()
}
