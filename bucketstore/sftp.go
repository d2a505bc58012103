package bucketstore

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path"
	"strings"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/mlgit-go/mlgit/mlgerr"
)

// SFTPStore implements BucketStore over an SFTP connection, the "sftph"
// storage kind. root is a path prefix on the remote filesystem under
// which every key is rooted, analogous to an S3 bucket.
type SFTPStore struct {
	root   string
	client *sftp.Client
	conn   *ssh.Client
}

// NewSFTPStore dials addr (host:port) and opens an SFTP session
// authenticated with the given private key, rooted at root.
func NewSFTPStore(addr, user string, signer ssh.Signer, root string) (*SFTPStore, error) {
	sshCfg := &ssh.ClientConfig{
		User:            user,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
	}
	conn, err := ssh.Dial("tcp", addr, sshCfg)
	if err != nil {
		return nil, mlgerr.New(mlgerr.KindTransfer, "bucketstore.NewSFTPStore", addr, err)
	}
	client, err := sftp.NewClient(conn)
	if err != nil {
		conn.Close()
		return nil, mlgerr.New(mlgerr.KindTransfer, "bucketstore.NewSFTPStore", addr, err)
	}
	return &SFTPStore{root: root, client: client, conn: conn}, nil
}

func (s *SFTPStore) Kind() Kind     { return KindSFTP }
func (s *SFTPStore) Bucket() string { return s.root }

func (s *SFTPStore) remotePath(key string) string {
	return path.Join(s.root, key)
}

func (s *SFTPStore) FilePut(ctx context.Context, key, localPath string) error {
	remote := s.remotePath(key)
	if err := s.client.MkdirAll(path.Dir(remote)); err != nil {
		return mlgerr.New(mlgerr.KindIo, "SFTPStore.FilePut", key, err)
	}

	local, err := os.Open(localPath)
	if err != nil {
		return mlgerr.New(mlgerr.KindIo, "SFTPStore.FilePut", key, err)
	}
	defer local.Close()

	dst, err := s.client.Create(remote)
	if err != nil {
		return mlgerr.New(mlgerr.KindTransfer, "SFTPStore.FilePut", key, err)
	}
	defer dst.Close()

	if _, err := dst.ReadFrom(local); err != nil {
		return mlgerr.New(mlgerr.KindTransfer, "SFTPStore.FilePut", key, err)
	}
	return nil
}

func (s *SFTPStore) FileGet(ctx context.Context, key, dstPath string) (int64, error) {
	src, err := s.client.Open(s.remotePath(key))
	if err != nil {
		return 0, mlgerr.New(mlgerr.KindTransfer, "SFTPStore.FileGet", key, err)
	}
	defer src.Close()

	dst, err := os.Create(dstPath)
	if err != nil {
		return 0, mlgerr.New(mlgerr.KindIo, "SFTPStore.FileGet", key, err)
	}
	defer dst.Close()

	n, err := src.WriteTo(dst)
	if err != nil {
		return n, mlgerr.New(mlgerr.KindTransfer, "SFTPStore.FileGet", key, err)
	}
	return n, nil
}

func (s *SFTPStore) FileExists(ctx context.Context, key string) (bool, error) {
	_, err := s.client.Stat(s.remotePath(key))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, mlgerr.New(mlgerr.KindTransfer, "SFTPStore.FileExists", key, err)
}

func (s *SFTPStore) ListFilesFromPath(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	root := s.remotePath(prefix)
	walker := s.client.Walk(root)
	for walker.Step() {
		if err := walker.Err(); err != nil {
			return nil, mlgerr.New(mlgerr.KindTransfer, "SFTPStore.ListFilesFromPath", prefix, err)
		}
		if walker.Stat().Mode().Type()&fs.ModeDir != 0 {
			continue
		}
		rel, err := sftpRelPath(s.root, walker.Path())
		if err != nil {
			return nil, mlgerr.New(mlgerr.KindIo, "SFTPStore.ListFilesFromPath", prefix, err)
		}
		keys = append(keys, rel)
	}
	return keys, nil
}

func (s *SFTPStore) DeleteFile(ctx context.Context, key string) error {
	err := s.client.Remove(s.remotePath(key))
	if err != nil && !os.IsNotExist(err) {
		return mlgerr.New(mlgerr.KindTransfer, "SFTPStore.DeleteFile", key, err)
	}
	return nil
}

// Close releases the SFTP session and its underlying SSH connection.
func (s *SFTPStore) Close() error {
	s.client.Close()
	return s.conn.Close()
}

func sftpRelPath(root, full string) (string, error) {
	prefix := path.Clean(root) + "/"
	if !strings.HasPrefix(full, prefix) {
		return "", fmt.Errorf("%s is not under %s", full, root)
	}
	return strings.TrimPrefix(full, prefix), nil
}
