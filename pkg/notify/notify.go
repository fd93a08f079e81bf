// Package notify emails the people on a project once its drawing pair has
// been filed: the project manager, with the drafter on CC.
package notify

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/smtp"
	"strings"
	"text/template"
	"time"

	"github.com/intralog/drawbridge/pkg/intake"
	"github.com/intralog/drawbridge/pkg/telemetry"
)

// Config controls the SMTP notifier.
type Config struct {
	Enabled  bool
	Host     string
	Port     int
	From     string
	Username string
	Password string
	UseTLS   bool
	Timeout  time.Duration
}

// Directory resolves title-block names to email addresses. Lookups are
// case-insensitive on whitespace-normalized names.
type Directory struct {
	entries map[string]string
}

// NewDirectory builds a directory from a name→address map.
func NewDirectory(entries map[string]string) *Directory {
	d := &Directory{entries: make(map[string]string, len(entries))}
	for name, addr := range entries {
		d.entries[normalizeName(name)] = addr
	}
	return d
}

// Lookup returns the address for name, or false when unknown.
func (d *Directory) Lookup(name string) (string, bool) {
	addr, ok := d.entries[normalizeName(name)]
	return addr, ok
}

func normalizeName(name string) string {
	return strings.ToLower(strings.Join(strings.Fields(name), " "))
}

var bodyTemplate = template.Must(template.New("notification").Parse(`A new drawing pair has been filed.

Opportunity: {{.Opportunity}}
Customer: {{.Customer}}
Address: {{.Address}}
Project: {{.Title}}
Project Manager: {{.ProjectManager}}
Drafter: {{.Drafter}}

Project folder: {{.Folder}}

This message was sent automatically by drawbridge.
`))

type bodyContext struct {
	Opportunity    string
	Customer       string
	Address        string
	Title          string
	ProjectManager string
	Drafter        string
	Folder         string
}

// Notifier implements intake.Notifier over SMTP.
type Notifier struct {
	cfg      Config
	pms      *Directory
	drafters *Directory
	logger   *telemetry.Logger

	// send is swapped out in tests.
	send func(addr string, from string, to []string, msg []byte) error
}

// NewNotifier creates the notifier.
func NewNotifier(cfg Config, pms, drafters *Directory, logger *telemetry.Logger) *Notifier {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	n := &Notifier{
		cfg:      cfg,
		pms:      pms,
		drafters: drafters,
		logger:   logger.NewComponentLogger("notify"),
	}
	n.send = n.smtpSend
	return n
}

// Notify emails the job's project manager, CCing the drafter. A project
// manager missing from the directory is a permanent failure; a missing
// drafter just drops the CC. Disabled notification is a skip.
func (n *Notifier) Notify(ctx context.Context, job *intake.Job) error {
	if !n.cfg.Enabled {
		return intake.NewSkipError("email notification disabled")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if job.Metadata == nil {
		return intake.NewPermanentError("job has no metadata", nil)
	}

	md := job.Metadata

	pmAddr, ok := n.pms.Lookup(md.ProjectManager)
	if !ok {
		return intake.NewPermanentError(fmt.Sprintf("no email address for project manager %q", md.ProjectManager), nil)
	}

	var cc []string
	if md.Drafter != "" {
		if addr, ok := n.drafters.Lookup(md.Drafter); ok && addr != pmAddr {
			cc = append(cc, addr)
		} else if !ok {
			n.logger.Zerolog().Warn().Str("drafter", md.Drafter).Msg("No email address for drafter, dropping CC")
		}
	}

	opportunity := ""
	if job.Opportunity != nil {
		opportunity = *job.Opportunity
	}
	folder := ""
	if job.RemoteFolder != nil {
		folder = *job.RemoteFolder
	}

	subject := fmt.Sprintf("New Project Filed - Opp %s - %s", opportunity, md.Customer)
	msg, err := buildMessage(n.cfg.From, pmAddr, cc, subject, bodyContext{
		Opportunity:    opportunity,
		Customer:       md.Customer,
		Address:        md.Address,
		Title:          md.Title,
		ProjectManager: md.ProjectManager,
		Drafter:        md.Drafter,
		Folder:         folder,
	})
	if err != nil {
		return intake.NewPermanentError("failed to render notification", err)
	}

	recipients := append([]string{pmAddr}, cc...)
	addr := fmt.Sprintf("%s:%d", n.cfg.Host, n.cfg.Port)
	if err := n.send(addr, n.cfg.From, recipients, msg); err != nil {
		return intake.NewTransientError("failed to send notification", err)
	}

	n.logger.Zerolog().Info().
		Str("job_key", job.Key).
		Str("to", pmAddr).
		Strs("cc", cc).
		Msg("Notification sent")
	return nil
}

func buildMessage(from, to string, cc []string, subject string, bc bodyContext) ([]byte, error) {
	var body strings.Builder
	if err := bodyTemplate.Execute(&body, bc); err != nil {
		return nil, err
	}

	var msg strings.Builder
	fmt.Fprintf(&msg, "From: %s\r\n", from)
	fmt.Fprintf(&msg, "To: %s\r\n", to)
	if len(cc) > 0 {
		fmt.Fprintf(&msg, "Cc: %s\r\n", strings.Join(cc, ", "))
	}
	fmt.Fprintf(&msg, "Subject: %s\r\n", subject)
	msg.WriteString("MIME-Version: 1.0\r\nContent-Type: text/plain; charset=utf-8\r\n\r\n")
	msg.WriteString(strings.ReplaceAll(body.String(), "\n", "\r\n"))
	return []byte(msg.String()), nil
}

// smtpSend delivers via SMTP with optional STARTTLS and auth.
func (n *Notifier) smtpSend(addr, from string, to []string, msg []byte) error {
	conn, err := net.DialTimeout("tcp", addr, n.cfg.Timeout)
	if err != nil {
		return err
	}

	client, err := smtp.NewClient(conn, n.cfg.Host)
	if err != nil {
		_ = conn.Close()
		return err
	}
	defer client.Close()

	if n.cfg.UseTLS {
		if err := client.StartTLS(&tls.Config{ServerName: n.cfg.Host, MinVersion: tls.VersionTLS12}); err != nil {
			return err
		}
	}

	if n.cfg.Username != "" {
		auth := smtp.PlainAuth("", n.cfg.Username, n.cfg.Password, n.cfg.Host)
		if err := client.Auth(auth); err != nil {
			return err
		}
	}

	if err := client.Mail(from); err != nil {
		return err
	}
	for _, rcpt := range to {
		if err := client.Rcpt(rcpt); err != nil {
			return err
		}
	}

	w, err := client.Data()
	if err != nil {
		return err
	}
	if _, err := w.Write(msg); err != nil {
		_ = w.Close()
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	return client.Quit()
}
