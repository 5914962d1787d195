// Package notify emails card senders when a run finishes. Delivery is best
// effort and never reported back to the pipeline.
package notify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	htmltemplate "html/template"
	"io"
	"strings"
	"sync"
	texttemplate "text/template"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"heartcards/internal/domain"
	"heartcards/internal/providers/mail"
)

// Mailer sends one email.
type Mailer interface {
	Send(ctx context.Context, msg mail.Message) error
}

// Sink renders notifications and hands them to a Mailer in the background.
type Sink struct {
	mailer  Mailer
	timeout time.Duration
	logger  *zerolog.Logger
	wg      sync.WaitGroup
}

// NewSink builds a sink. A nil mailer turns every notification into a log line.
func NewSink(mailer Mailer, logger *zerolog.Logger) *Sink {
	if logger == nil {
		discard := zerolog.New(io.Discard)
		logger = &discard
	}
	return &Sink{mailer: mailer, timeout: 20 * time.Second, logger: logger}
}

// Notify queues an email and returns immediately.
func (s *Sink) Notify(ctx context.Context, n domain.Notification) {
	log := s.logger.With().
		Str("request_id", n.Request.ID).
		Str("kind", string(n.Kind)).
		Logger()
	to := strings.TrimSpace(n.Request.SenderEmail)
	if s.mailer == nil || to == "" {
		log.Info().Msg("notify: no mailer or sender address, skipping email")
		return
	}
	msg, err := Render(n)
	if err != nil {
		log.Error().Err(err).Msg("notify: render failed")
		return
	}
	msg.To = mail.Address{Email: to, Name: n.Request.SenderName}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
		defer cancel()
		if err := s.mailer.Send(sendCtx, msg); err != nil {
			if errors.Is(err, mail.ErrRateLimited) {
				log.Warn().Err(err).Msg("notify: email dropped by rate limit")
				return
			}
			log.Error().Err(err).Msg("notify: email failed")
			return
		}
		log.Info().Msg("notify: email sent")
	}()
}

// Wait blocks until queued emails finish or ctx is done.
func (s *Sink) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type view struct {
	SenderName    string
	RecipientName string
	Occasion      string
	DownloadURL   string
	Detail        string
}

var (
	readySubject  = texttemplate.Must(texttemplate.New("ready_subject").Parse(`Your {{.Occasion}} card for {{.RecipientName}} is ready`))
	failedSubject = texttemplate.Must(texttemplate.New("failed_subject").Parse(`We couldn't finish your {{.Occasion}} card for {{.RecipientName}}`))

	readyText = texttemplate.Must(texttemplate.New("ready_text").Parse(`Hi {{.SenderName}},

Your {{.Occasion}} card for {{.RecipientName}} is ready.
Download it here: {{.DownloadURL}}

No further action is needed; we'll take care of printing and mailing.
`))
	failedText = texttemplate.Must(texttemplate.New("failed_text").Parse(`Hi {{.SenderName}},

Something went wrong while creating your {{.Occasion}} card for {{.RecipientName}}.
{{if .Detail}}Details: {{.Detail}}
{{end}}
No card credit was used. You can try again from your dashboard.
`))

	readyHTML = htmltemplate.Must(htmltemplate.New("ready_html").Parse(`<p>Hi {{.SenderName}},</p>
<p>Your {{.Occasion}} card for <strong>{{.RecipientName}}</strong> is ready.</p>
<p><a href="{{.DownloadURL}}">Download your card</a></p>
<p>No further action is needed; we'll take care of printing and mailing.</p>`))
	failedHTML = htmltemplate.Must(htmltemplate.New("failed_html").Parse(`<p>Hi {{.SenderName}},</p>
<p>Something went wrong while creating your {{.Occasion}} card for <strong>{{.RecipientName}}</strong>.</p>
{{if .Detail}}<p>Details: {{.Detail}}</p>{{end}}
<p>No card credit was used. You can try again from your dashboard.</p>`))
)

// Render builds the subject and bodies for a notification. The To field is
// left for the caller.
func Render(n domain.Notification) (mail.Message, error) {
	caser := cases.Title(language.English)
	v := view{
		SenderName:    strings.TrimSpace(n.Request.SenderName),
		RecipientName: caser.String(strings.TrimSpace(n.Request.Recipient.Name)),
		Occasion:      strings.ToLower(n.Request.Occasion.Label()),
		DownloadURL:   n.DownloadURL,
		Detail:        n.Detail,
	}
	if v.SenderName == "" {
		v.SenderName = "there"
	}
	if v.Occasion == "" {
		v.Occasion = "greeting"
	}

	var subject *texttemplate.Template
	var text *texttemplate.Template
	var html *htmltemplate.Template
	switch n.Kind {
	case domain.NotifyCardReady:
		subject, text, html = readySubject, readyText, readyHTML
	case domain.NotifyCardFailed:
		subject, text, html = failedSubject, failedText, failedHTML
	default:
		return mail.Message{}, fmt.Errorf("notify: unknown kind %q", n.Kind)
	}

	var sb, tb, hb bytes.Buffer
	if err := subject.Execute(&sb, v); err != nil {
		return mail.Message{}, fmt.Errorf("notify: subject: %w", err)
	}
	if err := text.Execute(&tb, v); err != nil {
		return mail.Message{}, fmt.Errorf("notify: text body: %w", err)
	}
	if err := html.Execute(&hb, v); err != nil {
		return mail.Message{}, fmt.Errorf("notify: html body: %w", err)
	}
	return mail.Message{Subject: sb.String(), Text: tb.String(), HTML: hb.String()}, nil
}
