package gdpr

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"mime/multipart"
	"net/mail"
	"net/smtp"
	"strings"
	"testing"
	"time"

	"visioncrm/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestSMTPDelivererMessage(t *testing.T) {
	d := NewSMTPDeliverer(config.SMTPConfig{
		Host:        "smtp.example.com",
		Port:        587,
		Username:    "mailer",
		Password:    "secret",
		FromAddress: "dpo@visioncrm.fr",
		FromName:    "VisionCRM",
	}, "VisionCRM SAS", zaptest.NewLogger(t))
	d.now = func() time.Time { return time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC) }

	var (
		gotAddr string
		gotTo   []string
		gotMsg  []byte
	)
	d.send = func(addr string, _ smtp.Auth, from string, to []string, msg []byte) error {
		gotAddr, gotTo, gotMsg = addr, to, msg
		assert.Equal(t, "dpo@visioncrm.fr", from)
		return nil
	}

	pkg := &DataPackage{PersonalData: PersonalData{Profile: Profile{UserID: "u1", Email: "jean@example.com", Name: "Jean Dupont"}}}
	require.NoError(t, d.Deliver(context.Background(), "jean@example.com", pkg))

	assert.Equal(t, "smtp.example.com:587", gotAddr)
	assert.Equal(t, []string{"jean@example.com"}, gotTo)

	msg, err := mail.ReadMessage(bytes.NewReader(gotMsg))
	require.NoError(t, err)
	subject, err := new(mime.WordDecoder).DecodeHeader(msg.Header.Get("Subject"))
	require.NoError(t, err)
	assert.Equal(t, packageSubject, subject)

	mediaType, params, err := mime.ParseMediaType(msg.Header.Get("Content-Type"))
	require.NoError(t, err)
	require.Equal(t, "multipart/mixed", mediaType)

	mr := multipart.NewReader(msg.Body, params["boundary"])
	body, err := mr.NextPart()
	require.NoError(t, err)
	text, _ := io.ReadAll(body)
	assert.Contains(t, string(text), "Jean Dupont")
	assert.Contains(t, string(text), "VisionCRM SAS")

	att, err := mr.NextPart()
	require.NoError(t, err)
	assert.Equal(t, "donnees-personnelles-2026-01-15.json", att.FileName())
	// multipart.Reader 不解码 base64
	encoded, _ := io.ReadAll(att)
	raw, err := base64.StdEncoding.DecodeString(strings.ReplaceAll(string(encoded), "\r\n", ""))
	require.NoError(t, err)

	var decoded DataPackage
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, "u1", decoded.PersonalData.Profile.UserID)
}

func TestSMTPDelivererSendError(t *testing.T) {
	d := NewSMTPDeliverer(config.SMTPConfig{Host: "smtp.example.com", Port: 25}, "VisionCRM", nil)
	d.send = func(string, smtp.Auth, string, []string, []byte) error {
		return errors.New("connection refused")
	}

	err := d.Deliver(context.Background(), "jean@example.com", &DataPackage{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
}

func TestSMTPDelivererCanceled(t *testing.T) {
	d := NewSMTPDeliverer(config.SMTPConfig{Host: "smtp.example.com", Port: 25}, "VisionCRM", nil)
	d.send = func(string, smtp.Auth, string, []string, []byte) error {
		t.Fatal("不应发送")
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, d.Deliver(ctx, "jean@example.com", &DataPackage{}), context.Canceled)
}
