package attachment

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alexjbarnes/mirrorsync/internal/blob"
	apperrors "github.com/alexjbarnes/mirrorsync/internal/errors"
	"github.com/alexjbarnes/mirrorsync/internal/keys"
	"github.com/alexjbarnes/mirrorsync/internal/models"
	"github.com/alexjbarnes/mirrorsync/internal/quota"
	"github.com/alexjbarnes/mirrorsync/internal/remote"
	"github.com/alexjbarnes/mirrorsync/internal/retry"
)

const acct = models.AccountID("acct-1")

type fakeEncryptor struct{ fail bool }

func (f fakeEncryptor) Encrypt(_ context.Context, _ models.AccountID, plaintext []byte) keys.Sealed {
	if f.fail {
		return keys.Sealed{FailureReason: keys.ReasonNoDeviceKeys}
	}

	return keys.Sealed{
		Ciphertext: append([]byte("ct:"), plaintext...),
		Nonce:      []byte("nonce"),
		Keys:       map[models.DeviceID]string{"laptop": "wrapped"},
		Encrypted:  true,
	}
}

type mapSource struct {
	name  string
	files map[string][]byte
}

func (s mapSource) Name() string { return s.name }

func (s mapSource) Load(_ context.Context, att models.LocalAttachment) ([]byte, error) {
	data, ok := s.files[att.ID]
	if !ok {
		return nil, fmt.Errorf("%s has no %s", s.name, att.ID)
	}

	return data, nil
}

type failingBlobs struct{ blob.MemoryStore }

func (*failingBlobs) Put(context.Context, string, []byte, string) (string, error) {
	return "", fmt.Errorf("%w: bucket gone", apperrors.ErrPermanent)
}

type refusingBlobs struct{ blob.MemoryStore }

func (*refusingBlobs) Put(context.Context, string, []byte, string) (string, error) {
	return "", fmt.Errorf("%w: over quota", apperrors.ErrQuotaDenied)
}

type fixture struct {
	store   *remote.MemoryStore
	blobs   *blob.MemoryStore
	tracker *quota.Tracker
}

func newFixture(tier models.PlanTier) fixture {
	store := remote.NewMemoryStore()
	tier.Name = "free"

	return fixture{
		store:   store,
		blobs:   blob.NewMemoryStore(),
		tracker: quota.NewTracker(store, map[string]models.PlanTier{"free": tier}, "free", slog.Default()),
	}
}

func (f fixture) pipeline(blobs blob.Store, enc Encryptor, inline int, sources ...Source) *Pipeline {
	return NewPipeline(blobs, f.tracker, enc, sources, Options{
		InlineMaxBytes: inline,
		Retry:          retry.Policy{Attempts: 1},
	}, slog.Default())
}

func (f fixture) usage(t *testing.T) models.UsageLedger {
	t.Helper()

	var l models.UsageLedger

	e, err := f.store.Get(context.Background(), remote.UsagePath(acct))
	if errors.Is(err, apperrors.ErrNotFound) {
		return l
	}

	require.NoError(t, err)
	require.NoError(t, e.Decode(&l))

	return l
}

var photo = models.LocalAttachment{ID: "p1", ContentType: "image/jpeg", FileName: "p1.jpg", Size: 5}

func TestIsMedia(t *testing.T) {
	assert.True(t, IsMedia("image/jpeg"))
	assert.True(t, IsMedia(" Video/MP4"))
	assert.True(t, IsMedia("audio/amr"))
	assert.False(t, IsMedia("text/plain"))
	assert.False(t, IsMedia("application/smil"))
	assert.False(t, IsMedia(""))
}

func TestProcess_NonMediaCarriesMetadataOnly(t *testing.T) {
	f := newFixture(models.PlanTier{})
	p := f.pipeline(f.blobs, fakeEncryptor{}, 0)

	recs := p.Process(context.Background(), acct, "mms_1", []models.LocalAttachment{
		{ID: "t1", ContentType: "text/plain", Size: 12},
	})

	require.Len(t, recs, 1)
	assert.Equal(t, "t1", recs[0].ID)
	assert.Equal(t, int64(12), recs[0].OriginalSize)
	assert.Empty(t, recs[0].Ref)
	assert.False(t, recs[0].Inline())
	assert.Equal(t, 0, f.blobs.Len())
}

func TestProcess_UploadsEncryptedPayload(t *testing.T) {
	f := newFixture(models.PlanTier{})
	src := mapSource{name: "mem", files: map[string][]byte{"p1": []byte("hello")}}
	p := f.pipeline(f.blobs, fakeEncryptor{}, 0, src)

	recs := p.Process(context.Background(), acct, "mms_1", []models.LocalAttachment{photo})

	require.Len(t, recs, 1)
	rec := recs[0]
	key := remote.AttachmentKey(acct, "mms_1", "p1")

	assert.Equal(t, "mem://"+key, rec.Ref)
	assert.True(t, rec.Encrypted)
	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte("nonce")), rec.Nonce)
	assert.Equal(t, map[models.DeviceID]string{"laptop": "wrapped"}, rec.Keys)
	assert.Equal(t, int64(5), rec.OriginalSize)

	stored, err := f.blobs.Get(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, []byte("ct:hello"), stored)

	l := f.usage(t)
	assert.Equal(t, int64(len("ct:hello")), l.MonthlyBytes)
	assert.Equal(t, int64(len("ct:hello")), l.StorageBytes)
}

func TestProcess_FirstSuccessfulSourceWins(t *testing.T) {
	f := newFixture(models.PlanTier{})
	empty := mapSource{name: "provider", files: map[string][]byte{}}
	second := mapSource{name: "part", files: map[string][]byte{"p1": []byte("second")}}
	third := mapSource{name: "cache", files: map[string][]byte{"p1": []byte("third")}}

	recs := f.pipeline(f.blobs, fakeEncryptor{fail: true}, 0, empty, second, third).
		Process(context.Background(), acct, "mms_1", []models.LocalAttachment{photo})

	require.Len(t, recs, 1)

	stored, err := f.blobs.Get(context.Background(), remote.AttachmentKey(acct, "mms_1", "p1"))
	require.NoError(t, err)
	assert.Equal(t, []byte("second"), stored)
}

func TestProcess_EncryptionFailureStillUploads(t *testing.T) {
	f := newFixture(models.PlanTier{})
	src := mapSource{name: "mem", files: map[string][]byte{"p1": []byte("hello")}}

	recs := f.pipeline(f.blobs, fakeEncryptor{fail: true}, 0, src).
		Process(context.Background(), acct, "mms_1", []models.LocalAttachment{photo})

	require.Len(t, recs, 1)
	assert.False(t, recs[0].Encrypted)
	assert.Empty(t, recs[0].Keys)
	assert.NotEmpty(t, recs[0].Ref)

	stored, err := f.blobs.Get(context.Background(), remote.AttachmentKey(acct, "mms_1", "p1"))
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), stored)
}

func TestProcess_QuotaDeniedSkipsOnlyThatAttachment(t *testing.T) {
	f := newFixture(models.PlanTier{MonthlyBytes: 1 << 20})
	big := bytes.Repeat([]byte("x"), 2<<20)
	src := mapSource{name: "mem", files: map[string][]byte{"big": big, "p1": []byte("hello")}}

	recs := f.pipeline(f.blobs, fakeEncryptor{fail: true}, 1<<30, src).
		Process(context.Background(), acct, "mms_1", []models.LocalAttachment{
			{ID: "big", ContentType: "image/png"},
			photo,
		})

	require.Len(t, recs, 1)
	assert.Equal(t, "p1", recs[0].ID)
	assert.Equal(t, 1, f.blobs.Len())
	assert.Equal(t, int64(5), f.usage(t).MonthlyBytes)
}

func TestProcess_UploadFailureInlinesSmallPayload(t *testing.T) {
	f := newFixture(models.PlanTier{})
	src := mapSource{name: "mem", files: map[string][]byte{"p1": []byte("hello")}}

	recs := f.pipeline(&failingBlobs{}, fakeEncryptor{}, 64, src).
		Process(context.Background(), acct, "mms_1", []models.LocalAttachment{photo})

	require.Len(t, recs, 1)
	assert.True(t, recs[0].Inline())
	assert.Empty(t, recs[0].Ref)
	assert.True(t, recs[0].Encrypted)

	inline, err := base64.StdEncoding.DecodeString(recs[0].InlineData)
	require.NoError(t, err)
	assert.Equal(t, []byte("ct:hello"), inline)
	assert.Zero(t, f.usage(t).MonthlyBytes)
}

func TestProcess_UploadFailureDropsLargePayload(t *testing.T) {
	f := newFixture(models.PlanTier{})
	src := mapSource{name: "mem", files: map[string][]byte{"p1": []byte("hello")}}

	recs := f.pipeline(&failingBlobs{}, fakeEncryptor{}, 4, src).
		Process(context.Background(), acct, "mms_1", []models.LocalAttachment{photo})

	assert.Empty(t, recs)
}

func TestProcess_BackendQuotaRefusalIsNotInlined(t *testing.T) {
	f := newFixture(models.PlanTier{})
	src := mapSource{name: "mem", files: map[string][]byte{"p1": []byte("hello")}}

	recs := f.pipeline(&refusingBlobs{}, fakeEncryptor{}, 64, src).
		Process(context.Background(), acct, "mms_1", []models.LocalAttachment{photo})

	assert.Empty(t, recs)
}

func TestProcess_UnreadableAttachmentIsSkipped(t *testing.T) {
	f := newFixture(models.PlanTier{})

	recs := f.pipeline(f.blobs, fakeEncryptor{}, 64, mapSource{name: "mem"}).
		Process(context.Background(), acct, "mms_1", []models.LocalAttachment{photo})
	assert.Empty(t, recs)

	recs = f.pipeline(f.blobs, fakeEncryptor{}, 64).
		Process(context.Background(), acct, "mms_1", []models.LocalAttachment{photo})
	assert.Empty(t, recs)
}

func TestProcess_AssignsMissingIDs(t *testing.T) {
	f := newFixture(models.PlanTier{})

	recs := f.pipeline(f.blobs, fakeEncryptor{}, 0).
		Process(context.Background(), acct, "mms_1", []models.LocalAttachment{{ContentType: "text/x-vcard"}})

	require.Len(t, recs, 1)
	assert.NotEmpty(t, recs[0].ID)
}

func TestFileSource(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.jpg")
	require.NoError(t, os.WriteFile(path, []byte("jpeg"), 0o600))

	ctx := context.Background()

	data, err := FileSource{}.Load(ctx, models.LocalAttachment{URI: path})
	require.NoError(t, err)
	assert.Equal(t, []byte("jpeg"), data)

	data, err = FileSource{}.Load(ctx, models.LocalAttachment{URI: "file://" + path})
	require.NoError(t, err)
	assert.Equal(t, []byte("jpeg"), data)

	_, err = FileSource{}.Load(ctx, models.LocalAttachment{URI: "content://mms/part/3"})
	assert.Error(t, err)

	_, err = FileSource{MaxBytes: 2}.Load(ctx, models.LocalAttachment{URI: path})
	assert.Error(t, err)
}

func TestDirSource(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "p1"), []byte("by id"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "named.png"), []byte("by name"), 0o600))

	s := DirSource{Dir: dir}
	ctx := context.Background()

	data, err := s.Load(ctx, models.LocalAttachment{ID: "p1", FileName: "named.png"})
	require.NoError(t, err)
	assert.Equal(t, []byte("by id"), data)

	data, err = s.Load(ctx, models.LocalAttachment{ID: "p2", FileName: "named.png"})
	require.NoError(t, err)
	assert.Equal(t, []byte("by name"), data)

	_, err = s.Load(ctx, models.LocalAttachment{ID: "../p1"})
	assert.Error(t, err)

	_, err = s.Load(ctx, models.LocalAttachment{})
	assert.Error(t, err)
}
