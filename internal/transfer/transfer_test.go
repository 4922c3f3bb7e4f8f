package transfer

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/audiolibrelab/camsync/internal/camera"
)

// fakeFile is a device file whose declared size can disagree with the
// bytes actually delivered.
type fakeFile struct {
	name         string
	declaredSize int64
	content      []byte
	downloadErr  error

	deleted  bool
	released bool
}

func (f *fakeFile) Info() (camera.FileInfo, error) {
	return camera.FileInfo{Name: f.name, Size: f.declaredSize}, nil
}

func (f *fakeFile) Download(localPath string, progress func(int)) error {
	if f.downloadErr != nil {
		return f.downloadErr
	}
	if progress != nil {
		progress(100)
	}
	return os.WriteFile(localPath, f.content, 0644)
}

func (f *fakeFile) Delete() error {
	f.deleted = true
	return nil
}

func (f *fakeFile) Release() { f.released = true }

type fakeIntegrity struct {
	err    error
	called bool
}

func (i *fakeIntegrity) Verify(path string) error {
	i.called = true
	return i.err
}

func TestFetchVerifiedFileIsDeletedAndReported(t *testing.T) {
	dir := t.TempDir()
	content := []byte("movie bytes")
	f := &fakeFile{name: "MVI_0042.MOV", declaredSize: int64(len(content)), content: content}
	integ := &fakeIntegrity{}

	v := New(dir, integ, nil)
	path, err := v.Fetch(f)
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(dir, "MVI_0042.MOV"), path)
	assert.True(t, integ.called)
	assert.True(t, f.deleted, "verified file must be deleted from the device")

	local, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, content, local)
}

func TestFetchSizeMismatchNeverDeletes(t *testing.T) {
	for _, declared := range []int64{1, 10, 1 << 30} {
		f := &fakeFile{name: "MVI.MOV", declaredSize: declared, content: []byte("short")}
		integ := &fakeIntegrity{}

		v := New(t.TempDir(), integ, nil)
		path, err := v.Fetch(f)

		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrSizeMismatch))
		assert.Empty(t, path, "mismatched file must not be reported upstream")
		assert.False(t, f.deleted, "mismatched file must stay on the device")
		assert.False(t, integ.called, "integrity check runs only after the size check")
	}
}

func TestFetchIntegrityFailureNeverDeletes(t *testing.T) {
	content := []byte("structurally broken")
	f := &fakeFile{name: "MVI.MOV", declaredSize: int64(len(content)), content: content}
	integ := &fakeIntegrity{err: errors.New("moov atom not found")}

	v := New(t.TempDir(), integ, nil)
	path, err := v.Fetch(f)

	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrIntegrity))
	assert.Empty(t, path)
	assert.False(t, f.deleted, "size match alone must not authorize deletion")
}

func TestFetchDownloadFailure(t *testing.T) {
	f := &fakeFile{name: "MVI.MOV", declaredSize: 5, downloadErr: errors.New("usb stall")}

	v := New(t.TempDir(), &fakeIntegrity{}, nil)
	_, err := v.Fetch(f)

	require.Error(t, err)
	assert.False(t, f.deleted)
}

func TestFetchReportsProgress(t *testing.T) {
	content := []byte("x")
	f := &fakeFile{name: "MVI.MOV", declaredSize: 1, content: content}

	var lines []string
	logf := func(format string, args ...any) {
		lines = append(lines, format)
	}
	v := New(t.TempDir(), &fakeIntegrity{}, logf)
	_, err := v.Fetch(f)
	require.NoError(t, err)

	assert.Contains(t, lines, "Progress: %d%%")
}
