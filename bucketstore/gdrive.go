package bucketstore

import (
	"context"
	"io"
	"os"

	"golang.org/x/oauth2"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/option"

	"github.com/mlgit-go/mlgit/mlgerr"
)

// GDriveStore implements BucketStore against a Google Drive folder, the
// "gdriveh" storage kind. root is the id of the Drive folder every key is
// rooted under, analogous to an S3 bucket; keys map to child file names
// within that folder (one level, matching the flat key space every other
// backend exposes).
type GDriveStore struct {
	root    string
	service *drive.Service
}

// NewGDriveStore builds a Drive client from a pre-exchanged OAuth2 token,
// rooted at folderID. cfg.CredentialsPath (spec §6 storage config) is
// expected to carry the service-account or token JSON the caller used to
// produce token before calling this constructor.
func NewGDriveStore(ctx context.Context, token *oauth2.Token, clientID, clientSecret, folderID string) (*GDriveStore, error) {
	oauthCfg := &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Endpoint:     oauth2.Endpoint{AuthURL: "https://accounts.google.com/o/oauth2/auth", TokenURL: "https://oauth2.googleapis.com/token"},
	}
	client := oauthCfg.Client(ctx, token)

	svc, err := drive.NewService(ctx, option.WithHTTPClient(client))
	if err != nil {
		return nil, mlgerr.New(mlgerr.KindConfig, "bucketstore.NewGDriveStore", folderID, err)
	}
	return &GDriveStore{root: folderID, service: svc}, nil
}

func (g *GDriveStore) Kind() Kind     { return KindGDrive }
func (g *GDriveStore) Bucket() string { return g.root }

// findByName looks up the single child of root named key, returning its
// file id or "" if absent -- Drive has no native "key" addressing, only a
// folder/name query, so every operation resolves the name first.
func (g *GDriveStore) findByName(key string) (string, error) {
	q := "'" + g.root + "' in parents and name = '" + escapeDriveQuery(key) + "' and trashed = false"
	call := g.service.Files.List().Q(q).Fields("files(id, name)").PageSize(1)
	res, err := call.Do()
	if err != nil {
		return "", mlgerr.New(mlgerr.KindTransfer, "GDriveStore.findByName", key, err)
	}
	if len(res.Files) == 0 {
		return "", nil
	}
	return res.Files[0].Id, nil
}

func escapeDriveQuery(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == '\'' || s[i] == '\\' {
			out = append(out, '\\')
		}
		out = append(out, s[i])
	}
	return string(out)
}

func (g *GDriveStore) FilePut(ctx context.Context, key, localPath string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return mlgerr.New(mlgerr.KindIo, "GDriveStore.FilePut", key, err)
	}
	defer f.Close()

	existingID, err := g.findByName(key)
	if err != nil {
		return err
	}
	if existingID != "" {
		// Objects are write-once (spec §3 Lifecycles): a key already
		// present remotely is left as-is rather than overwritten.
		return nil
	}

	meta := &drive.File{Name: key, Parents: []string{g.root}}
	_, err = g.service.Files.Create(meta).Media(f).Context(ctx).Do()
	if err != nil {
		return mlgerr.New(mlgerr.KindTransfer, "GDriveStore.FilePut", key, err)
	}
	return nil
}

func (g *GDriveStore) FileGet(ctx context.Context, key, dstPath string) (int64, error) {
	id, err := g.findByName(key)
	if err != nil {
		return 0, err
	}
	if id == "" {
		return 0, mlgerr.New(mlgerr.KindNotFound, "GDriveStore.FileGet", key, errGDriveNotFound)
	}

	resp, err := g.service.Files.Get(id).Context(ctx).Download()
	if err != nil {
		return 0, mlgerr.New(mlgerr.KindTransfer, "GDriveStore.FileGet", key, err)
	}
	defer resp.Body.Close()

	out, err := os.Create(dstPath)
	if err != nil {
		return 0, mlgerr.New(mlgerr.KindIo, "GDriveStore.FileGet", key, err)
	}
	defer out.Close()

	n, err := io.Copy(out, resp.Body)
	if err != nil {
		return n, mlgerr.New(mlgerr.KindTransfer, "GDriveStore.FileGet", key, err)
	}
	return n, nil
}

func (g *GDriveStore) FileExists(ctx context.Context, key string) (bool, error) {
	id, err := g.findByName(key)
	if err != nil {
		return false, err
	}
	return id != "", nil
}

func (g *GDriveStore) ListFilesFromPath(ctx context.Context, prefix string) ([]string, error) {
	q := "'" + g.root + "' in parents and trashed = false"
	var keys []string
	pageToken := ""
	for {
		call := g.service.Files.List().Q(q).Fields("nextPageToken, files(name)").PageSize(200)
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}
		res, err := call.Context(ctx).Do()
		if err != nil {
			return nil, mlgerr.New(mlgerr.KindTransfer, "GDriveStore.ListFilesFromPath", prefix, err)
		}
		for _, f := range res.Files {
			if prefix == "" || hasDrivePrefix(f.Name, prefix) {
				keys = append(keys, f.Name)
			}
		}
		if res.NextPageToken == "" {
			break
		}
		pageToken = res.NextPageToken
	}
	return keys, nil
}

func hasDrivePrefix(name, prefix string) bool {
	return len(name) >= len(prefix) && name[:len(prefix)] == prefix
}

func (g *GDriveStore) DeleteFile(ctx context.Context, key string) error {
	id, err := g.findByName(key)
	if err != nil {
		return err
	}
	if id == "" {
		return nil
	}
	if err := g.service.Files.Delete(id).Context(ctx).Do(); err != nil {
		return mlgerr.New(mlgerr.KindTransfer, "GDriveStore.DeleteFile", key, err)
	}
	return nil
}

type gdriveError string

func (e gdriveError) Error() string { return string(e) }

const errGDriveNotFound = gdriveError("file not found in drive folder")
