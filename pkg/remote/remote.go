// Package remote builds project folder trees on the document share and moves
// drawing pairs into them, over SFTP.
package remote

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/intralog/drawbridge/pkg/intake"
	"github.com/intralog/drawbridge/pkg/telemetry"
)

// Config points the service at the SFTP share.
type Config struct {
	Host           string
	Port           int
	User           string
	Password       string
	PrivateKeyPath string

	// BaseFolder is the share root under which project folders live.
	BaseFolder string

	// Subfolders are created inside every project folder.
	Subfolders []string

	// AsBuiltFolder is created as a sibling of the project folder, at the
	// address level.
	AsBuiltFolder string

	Timeout time.Duration
}

// remoteFS is the slice of SFTP the service needs, separated for tests.
type remoteFS interface {
	MkdirAll(path string) error
	Stat(path string) (os.FileInfo, error)
	Create(path string) (io.WriteCloser, error)
	Close() error
}

// Service implements intake.RemoteStorage over SFTP. Connections are dialed
// per operation; the share sits on the same network and stage retries want a
// fresh connection anyway.
type Service struct {
	cfg    Config
	dial   func(ctx context.Context) (remoteFS, error)
	logger *telemetry.Logger
}

// NewService creates the remote storage service.
func NewService(cfg Config, logger *telemetry.Logger) *Service {
	if cfg.Port == 0 {
		cfg.Port = 22
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	s := &Service{
		cfg:    cfg,
		logger: logger.NewComponentLogger("remote"),
	}
	s.dial = s.sshDial
	return s
}

// EnsureFolderTree creates base/<customer>/<address>/Opp #<id>- <title> with
// the standard subfolders, plus the as-built folder at the address level.
// Existing folders are fine, so a retry after a partial build completes the
// remainder.
func (s *Service) EnsureFolderTree(ctx context.Context, md *intake.Metadata, opportunityID string) (string, error) {
	conn, err := s.dial(ctx)
	if err != nil {
		return "", err
	}
	defer conn.Close()

	customer := SanitizeSegment(md.Customer)
	address := SanitizeSegment(md.Address)
	if customer == "" {
		return "", intake.NewPermanentError("customer name sanitizes to nothing", nil)
	}
	if address == "" {
		address = "Unknown Address"
	}

	projectName := SanitizeSegment(fmt.Sprintf("Opp #%s- %s", opportunityID, md.Title))
	addressDir := path.Join(s.cfg.BaseFolder, customer, address)
	projectDir := path.Join(addressDir, projectName)

	if err := conn.MkdirAll(projectDir); err != nil {
		return "", intake.NewTransientError("failed to create project folder", err)
	}

	for _, sub := range s.cfg.Subfolders {
		if err := conn.MkdirAll(path.Join(projectDir, SanitizeSegment(sub))); err != nil {
			return "", intake.NewTransientError("failed to create subfolder "+sub, err)
		}
	}

	if s.cfg.AsBuiltFolder != "" {
		if err := conn.MkdirAll(path.Join(addressDir, SanitizeSegment(s.cfg.AsBuiltFolder))); err != nil {
			return "", intake.NewTransientError("failed to create as-built folder", err)
		}
	}

	s.logger.Zerolog().Info().Str("folder", projectDir).Msg("Project folder tree ready")
	return projectDir, nil
}

// Relocate moves the CAD file into DWG/ and the document into PDF/ under the
// project folder, then deletes the local copies. A name collision at the
// destination gets a numeric suffix rather than overwriting. A local file
// that is already gone counts as moved when its destination exists.
func (s *Service) Relocate(ctx context.Context, folder, cadPath, docPath string) error {
	conn, err := s.dial(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := s.moveFile(conn, cadPath, path.Join(folder, "DWG")); err != nil {
		return err
	}
	return s.moveFile(conn, docPath, path.Join(folder, "PDF"))
}

func (s *Service) moveFile(conn remoteFS, localPath, destDir string) error {
	name := SanitizeSegment(filepath.Base(localPath))
	dest := path.Join(destDir, name)

	if _, err := os.Stat(localPath); err != nil {
		if !os.IsNotExist(err) {
			return intake.NewTransientError("cannot stat local file "+localPath, err)
		}
		// Gone locally. If the destination holds a copy this is a resumed
		// move that already finished; otherwise the file truly vanished.
		if _, statErr := conn.Stat(dest); statErr == nil {
			s.logger.Zerolog().Info().Str("dest", dest).Msg("File already relocated")
			return nil
		}
		return intake.NewPermanentError("local file missing and not at destination: "+localPath, err)
	}

	dest, err := s.availableName(conn, destDir, name)
	if err != nil {
		return err
	}

	if err := s.upload(conn, localPath, dest); err != nil {
		return err
	}

	if err := os.Remove(localPath); err != nil {
		// The upload stuck; a retry will find the file gone-or-present and
		// resolve via the checks above.
		return intake.NewTransientError("failed to remove local file after upload", err)
	}

	s.logger.Zerolog().Info().Str("from", localPath).Str("to", dest).Msg("File relocated")
	return nil
}

// availableName returns destDir/name, suffixing the stem with _1, _2, ...
// when the plain name is taken.
func (s *Service) availableName(conn remoteFS, destDir, name string) (string, error) {
	dest := path.Join(destDir, name)
	if _, err := conn.Stat(dest); err != nil {
		return dest, nil
	}

	ext := path.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	for i := 1; i <= 100; i++ {
		candidate := path.Join(destDir, fmt.Sprintf("%s_%d%s", stem, i, ext))
		if _, err := conn.Stat(candidate); err != nil {
			s.logger.Zerolog().Warn().Str("dest", dest).Str("using", candidate).Msg("Destination occupied, using suffixed name")
			return candidate, nil
		}
	}
	return "", intake.NewPermanentError("no free destination name for "+name, nil)
}

func (s *Service) upload(conn remoteFS, localPath, dest string) error {
	src, err := os.Open(localPath)
	if err != nil {
		return intake.NewTransientError("cannot open local file "+localPath, err)
	}
	defer src.Close()

	dst, err := conn.Create(dest)
	if err != nil {
		return intake.NewTransientError("cannot create remote file "+dest, err)
	}

	if _, err := io.Copy(dst, src); err != nil {
		_ = dst.Close()
		return intake.NewTransientError("upload failed for "+dest, err)
	}
	if err := dst.Close(); err != nil {
		return intake.NewTransientError("failed to finalize remote file "+dest, err)
	}
	return nil
}

// sftpConn adapts *sftp.Client to remoteFS.
type sftpConn struct {
	ssh  *ssh.Client
	sftp *sftp.Client
}

func (c *sftpConn) MkdirAll(path string) error { return c.sftp.MkdirAll(path) }

func (c *sftpConn) Stat(path string) (os.FileInfo, error) { return c.sftp.Stat(path) }

func (c *sftpConn) Create(path string) (io.WriteCloser, error) { return c.sftp.Create(path) }

func (c *sftpConn) Close() error {
	_ = c.sftp.Close()
	return c.ssh.Close()
}

// sshDial opens an SSH connection and an SFTP subsystem over it.
func (s *Service) sshDial(ctx context.Context) (remoteFS, error) {
	auth, err := s.authMethods()
	if err != nil {
		return nil, err
	}

	clientConfig := &ssh.ClientConfig{
		User: s.cfg.User,
		Auth: auth,
		// The share lives on the internal network; host keys are not
		// centrally managed there.
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), //nolint:gosec
		Timeout:         s.cfg.Timeout,
	}

	address := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)

	type dialResult struct {
		client *ssh.Client
		err    error
	}
	ch := make(chan dialResult, 1)
	go func() {
		client, err := ssh.Dial("tcp", address, clientConfig)
		ch <- dialResult{client, err}
	}()

	var client *ssh.Client
	select {
	case <-ctx.Done():
		return nil, intake.NewTransientError("dial cancelled", ctx.Err())
	case r := <-ch:
		if r.err != nil {
			if strings.Contains(r.err.Error(), "unable to authenticate") {
				return nil, intake.NewPermanentError("ssh authentication failed", r.err)
			}
			return nil, intake.NewTransientError("ssh dial failed", r.err)
		}
		client = r.client
	}

	sftpClient, err := sftp.NewClient(client)
	if err != nil {
		_ = client.Close()
		return nil, intake.NewTransientError("failed to open sftp subsystem", err)
	}

	return &sftpConn{ssh: client, sftp: sftpClient}, nil
}

func (s *Service) authMethods() ([]ssh.AuthMethod, error) {
	if s.cfg.PrivateKeyPath != "" {
		key, err := os.ReadFile(s.cfg.PrivateKeyPath)
		if err != nil {
			return nil, intake.NewConfigError("cannot read private key", err)
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, intake.NewConfigError("cannot parse private key", err)
		}
		return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil
	}
	if s.cfg.Password != "" {
		return []ssh.AuthMethod{ssh.Password(s.cfg.Password)}, nil
	}
	return nil, intake.NewConfigError("no ssh credentials configured", nil)
}
