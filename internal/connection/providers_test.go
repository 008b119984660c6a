package connection

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	syncerr "github.com/alexjbarnes/notesync/internal/errors"
	"github.com/alexjbarnes/notesync/internal/transport/folder"
	"github.com/alexjbarnes/notesync/internal/transport/s3store"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

func TestFolderAuthenticator_Success(t *testing.T) {
	root := t.TempDir()
	a := &FolderAuthenticator{Root: root, Device: "laptop"}

	sess, err := a.Authenticate(context.Background(), nil)
	require.NoError(t, err)

	tr, ok := sess.Transport.(*folder.Transport)
	require.True(t, ok)
	assert.Equal(t, filepath.Join(root, DefaultFolderName), tr.Dir())

	var creds folderCredentials
	require.NoError(t, json.Unmarshal(sess.Credentials, &creds))
	assert.Equal(t, root, creds.Root)
	assert.Equal(t, "laptop", creds.Device)

	entries, err := os.ReadDir(tr.Dir())
	require.NoError(t, err)
	assert.Empty(t, entries, "write check file must be cleaned up")
}

func TestFolderAuthenticator_MissingRoot(t *testing.T) {
	a := &FolderAuthenticator{Root: filepath.Join(t.TempDir(), "OneDrive")}

	_, err := a.Authenticate(context.Background(), nil)
	assert.ErrorIs(t, err, syncerr.ErrAuthentication)
	assert.Contains(t, err.Error(), "desktop client")
}

func TestFolderAuthenticator_RootIsFile(t *testing.T) {
	root := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(root, nil, 0o600))

	_, err := (&FolderAuthenticator{Root: root}).Authenticate(context.Background(), nil)
	assert.ErrorIs(t, err, syncerr.ErrAuthentication)
}

func TestFolderAuthenticator_CustomFolder(t *testing.T) {
	root := t.TempDir()

	sess, err := (&FolderAuthenticator{Root: root, Folder: "Notes"}).Authenticate(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "Notes"), sess.Transport.(*folder.Transport).Dir())
}

func s3Auth(api s3store.API) *S3Authenticator {
	return &S3Authenticator{
		Config: s3store.Config{Bucket: "notes", AccessKey: "AKIA", SecretKey: "secret", Endpoint: "http://127.0.0.1:9000"},
		NewClient: func(context.Context, s3store.Config) (s3store.API, error) {
			return api, nil
		},
	}
}

func TestS3Authenticator_Success(t *testing.T) {
	ctrl := gomock.NewController(t)
	api := s3store.NewMockAPI(ctrl)
	api.EXPECT().HeadBucket(gomock.Any(), gomock.Any()).Return(&s3.HeadBucketOutput{}, nil)

	sess, err := s3Auth(api).Authenticate(context.Background(), nil)
	require.NoError(t, err)
	assert.IsType(t, &s3store.Transport{}, sess.Transport)
	assert.NotContains(t, string(sess.Credentials), "secret", "secret keys must not be cached")
}

func TestS3Authenticator_BadKeys(t *testing.T) {
	ctrl := gomock.NewController(t)
	api := s3store.NewMockAPI(ctrl)
	api.EXPECT().HeadBucket(gomock.Any(), gomock.Any()).Return(nil, &smithy.GenericAPIError{Code: "SignatureDoesNotMatch"})

	_, err := s3Auth(api).Authenticate(context.Background(), nil)
	assert.ErrorIs(t, err, syncerr.ErrAuthentication)
}

func TestS3Authenticator_MissingConfig(t *testing.T) {
	_, err := (&S3Authenticator{}).Authenticate(context.Background(), nil)
	assert.ErrorIs(t, err, syncerr.ErrAuthentication)
}
