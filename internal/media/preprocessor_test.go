package media

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/salesagent/internal/channel"
	"github.com/salesagent/internal/store"
	"github.com/salesagent/pkg/models"
)

type fakeFetcher struct {
	media *channel.Media
	err   error
	calls int
}

func (f *fakeFetcher) FetchMedia(ctx context.Context, instanceID, messageID string) (*channel.Media, error) {
	f.calls++
	return f.media, f.err
}

type fakeTranscriber struct {
	text string
	err  error
}

func (f *fakeTranscriber) Transcribe(ctx context.Context, audio []byte, fileName, mimeType string) (string, error) {
	return f.text, f.err
}

type failingBlobs struct{}

func (failingBlobs) Put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	return "", errors.New("disk full")
}

func seededStore(t *testing.T, content string) (*store.InMemoryStore, string) {
	t.Helper()
	s := store.NewInMemoryStore()
	s.PutConversation(models.Conversation{ID: "conv1", OrganizationID: "org1", AgentID: "a1", ContactID: "c1"})
	m := &models.Message{ConversationID: "conv1", Role: models.RoleUser, Content: content}
	require.NoError(t, s.CreateMessage(context.Background(), m))
	return s, m.ID
}

func audioJob(storedID string) models.MessageJob {
	return models.MessageJob{
		ConversationID: "conv1",
		OrganizationID: "org1",
		Message: models.InboundMessage{
			Type:            models.MessageTypeAudio,
			Media:           &models.Media{MimeType: "audio/ogg", Seconds: 4},
			InstanceID:      "inst",
			MessageID:       "wa-1",
			StoredMessageID: storedID,
		},
	}
}

func TestPreprocessor_TranscribesAndRewritesStoredMessage(t *testing.T) {
	s, id := seededStore(t, AudioPlaceholder)
	p := NewPreprocessor(&fakeFetcher{media: &channel.Media{Data: []byte("OggS")}}, &fakeTranscriber{text: "I want the premium plan"}, NewFilesystemStore(t.TempDir()), s)

	out, err := p.Prepare(context.Background(), audioJob(id))
	require.NoError(t, err)
	assert.True(t, out.Transcribed)
	assert.Equal(t, "I want the premium plan", out.Text)

	msgs := s.AllMessages("conv1")
	assert.Equal(t, "I want the premium plan", msgs[0].Content)
	assert.Equal(t, true, msgs[0].Metadata["transcribed"])
}

func TestPreprocessor_TranscriptionFailureIsBestEffort(t *testing.T) {
	s, id := seededStore(t, AudioPlaceholder)
	p := NewPreprocessor(&fakeFetcher{media: &channel.Media{Data: []byte("OggS")}}, &fakeTranscriber{err: errors.New("503")}, NewFilesystemStore(t.TempDir()), s)

	out, err := p.Prepare(context.Background(), audioJob(id))
	require.Error(t, err)
	assert.False(t, out.Transcribed)
	assert.NotEmpty(t, out.Text)
	assert.Equal(t, AudioPlaceholder, s.AllMessages("conv1")[0].Content)
}

func TestPreprocessor_ImagePersistsBinary(t *testing.T) {
	dir := t.TempDir()
	job := models.MessageJob{
		ConversationID: "conv1",
		OrganizationID: "org1",
		Message: models.InboundMessage{
			Type:       models.MessageTypeImage,
			Text:       "my current setup",
			Media:      &models.Media{MimeType: "image/png"},
			InstanceID: "inst",
			MessageID:  "wa-2",
		},
	}
	p := NewPreprocessor(&fakeFetcher{media: &channel.Media{Data: []byte{0x89, 'P', 'N', 'G'}}}, &fakeTranscriber{}, NewFilesystemStore(dir), nil)

	out, err := p.Prepare(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, "The customer sent an image with the caption: my current setup", out.Text)
	assert.True(t, strings.HasPrefix(out.Location, "file://"))

	data, err := os.ReadFile(filepath.Join(dir, "org1", "conv1", "wa-2.png"))
	require.NoError(t, err)
	assert.Equal(t, []byte{0x89, 'P', 'N', 'G'}, data)
}

func TestPreprocessor_DocumentStoreFailureKeepsDescription(t *testing.T) {
	job := models.MessageJob{
		Message: models.InboundMessage{
			Type:  models.MessageTypeDocument,
			Media: &models.Media{MimeType: "application/pdf", FileName: "proposal.pdf"},
		},
	}
	p := NewPreprocessor(&fakeFetcher{media: &channel.Media{Data: []byte("%PDF")}}, &fakeTranscriber{}, failingBlobs{}, nil)

	out, err := p.Prepare(context.Background(), job)
	require.Error(t, err)
	assert.Equal(t, "The customer sent a document: proposal.pdf", out.Text)
}

func TestPreprocessor_TextPassesThrough(t *testing.T) {
	f := &fakeFetcher{}
	p := NewPreprocessor(f, &fakeTranscriber{}, failingBlobs{}, nil)

	out, err := p.Prepare(context.Background(), models.MessageJob{Message: models.InboundMessage{Type: models.MessageTypeText, Text: "hi"}})
	require.NoError(t, err)
	assert.Equal(t, "hi", out.Text)
	assert.Zero(t, f.calls)
}

type fakeS3 struct {
	input *s3.PutObjectInput
}

func (f *fakeS3) PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.input = params
	return &s3.PutObjectOutput{}, nil
}

func TestS3Store_Put(t *testing.T) {
	api := &fakeS3{}
	s := &S3Store{client: api, bucket: "media"}

	loc, err := s.Put(context.Background(), "org1/conv1/wa-1.pdf", []byte("%PDF"), "application/pdf")
	require.NoError(t, err)
	assert.Equal(t, "s3://media/org1/conv1/wa-1.pdf", loc)
	assert.Equal(t, "media", aws.ToString(api.input.Bucket))
	assert.Equal(t, "application/pdf", aws.ToString(api.input.ContentType))
}

func TestFilesystemStore_RejectsKeysOutsideRoot(t *testing.T) {
	parent := t.TempDir()
	root := filepath.Join(parent, "media")
	fs := NewFilesystemStore(root)

	key := BlobKey("org1", "conv1", "../../../escaped", "", "image/png")
	_, err := fs.Put(context.Background(), key, []byte("png"), "image/png")
	require.Error(t, err)
	_, statErr := os.Stat(filepath.Join(parent, "escaped.png"))
	assert.True(t, os.IsNotExist(statErr))

	loc, err := fs.Put(context.Background(), BlobKey("org1", "conv1", "wamid-1", "", "image/png"), []byte("png"), "image/png")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(loc, "file://"+root))
}

func TestBlobKey(t *testing.T) {
	assert.Equal(t, "o/c/m.pdf", BlobKey("o", "c", "m", "quote.pdf", "application/pdf"))
	assert.Equal(t, "o/c/m.bin", BlobKey("o", "c", "m", "", ""))
}

func TestWhisperTranscriber(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasSuffix(r.URL.Path, "/audio/transcriptions"))
		require.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "whisper-1", r.FormValue("model"))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"text": " hello from a voice note "})
	}))
	defer srv.Close()

	tr := NewWhisperTranscriber("test-key", srv.URL, "whisper-1")
	text, err := tr.Transcribe(context.Background(), []byte("OggS"), "", "audio/ogg")
	require.NoError(t, err)
	assert.Equal(t, "hello from a voice note", text)
}
