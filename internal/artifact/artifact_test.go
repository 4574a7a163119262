package artifact

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/runengine/internal/store"
	"github.com/rendis/runengine/pkg/schema"
)

type fixture struct {
	meta  *store.MemoryStore
	blobs *MemoryBlobStore
	arts  *Store
	run   *store.Run
	step  *store.Step
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	meta := store.NewMemoryStore()
	run := &store.Run{ID: uuid.New().String(), TenantID: "t1", Status: schema.RunStatusPending}
	require.NoError(t, meta.CreateRun(ctx, run))
	step := &store.Step{ID: uuid.New().String(), RunID: run.ID, Name: "step1", Status: schema.StepStatusPending}
	require.NoError(t, meta.CreateStep(ctx, step))

	blobs := NewMemoryBlobStore()
	return &fixture{meta: meta, blobs: blobs, arts: NewStore(blobs, meta), run: run, step: step}
}

func (f *fixture) attempt(t *testing.T, num int, status schema.AttemptStatus) *store.Attempt {
	t.Helper()
	a := &store.Attempt{ID: uuid.New().String(), StepID: f.step.ID, AttemptNum: num}
	require.NoError(t, f.meta.CreateAttempt(context.Background(), a))
	if status != schema.AttemptStatusRunning {
		require.NoError(t, f.meta.FinishAttempt(context.Background(), a.ID, store.AttemptResult{Status: status}))
	}
	return a
}

func TestDigest(t *testing.T) {
	d := Digest([]byte("hello"))
	assert.Equal(t, "sha256:2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824", d)
	assert.Equal(t, d, Digest([]byte("hello")))
	assert.NotEqual(t, d, Digest([]byte("hello!")))
}

func TestPut_DeduplicatesBlobsButRecordsRows(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a1, err := f.arts.Put(ctx, PutRequest{RunID: f.run.ID, StepID: f.step.ID, Type: "draft", Content: []byte("same")})
	require.NoError(t, err)
	a2, err := f.arts.Put(ctx, PutRequest{RunID: f.run.ID, StepID: f.step.ID, Type: "draft", Content: []byte("same"), Metadata: map[string]any{"lang": "en"}})
	require.NoError(t, err)

	assert.Equal(t, a1.Digest, a2.Digest)
	assert.Equal(t, a1.RefPath, a2.RefPath)
	assert.NotEqual(t, a1.ID, a2.ID)
	assert.Equal(t, 1, f.blobs.Len())
	assert.Equal(t, int64(4), a1.Size)

	rows, err := f.meta.ListArtifacts(ctx, f.run.ID, store.ArtifactFilter{})
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}

func TestPut_RequiresType(t *testing.T) {
	f := newFixture(t)
	_, err := f.arts.Put(context.Background(), PutRequest{RunID: f.run.ID, Content: []byte("x")})
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}

func TestLoad_VerifiesDigest(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a, err := f.arts.Put(ctx, PutRequest{RunID: f.run.ID, Type: "output", Content: []byte(`{"a":1}`)})
	require.NoError(t, err)

	data, err := f.arts.Load(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, string(data))

	bad := *a
	bad.Digest = Digest([]byte("other"))
	_, err = f.arts.Load(ctx, &bad)
	assert.True(t, schema.IsCode(err, schema.ErrCodeStore))
}

func TestLatest_PicksNewestCompletedAttempt(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first := f.attempt(t, 1, schema.AttemptStatusCompleted)
	_, err := f.arts.Put(ctx, PutRequest{RunID: f.run.ID, StepID: f.step.ID, AttemptID: first.ID, Type: "output", Content: []byte("v1")})
	require.NoError(t, err)

	second := f.attempt(t, 2, schema.AttemptStatusCompleted)
	_, err = f.arts.Put(ctx, PutRequest{RunID: f.run.ID, StepID: f.step.ID, AttemptID: second.ID, Type: "output", Content: []byte("v2")})
	require.NoError(t, err)

	// A discarded attempt's artifacts never count.
	third := f.attempt(t, 3, schema.AttemptStatusDiscarded)
	_, err = f.arts.Put(ctx, PutRequest{RunID: f.run.ID, StepID: f.step.ID, AttemptID: third.ID, Type: "output", Content: []byte("v3")})
	require.NoError(t, err)

	latest, err := f.arts.Latest(ctx, f.run.ID, f.step.ID)
	require.NoError(t, err)
	require.Len(t, latest, 1)
	assert.Equal(t, Digest([]byte("v2")), latest[0].Digest)
}

func TestLatest_FallsBackToCopiedRows(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	src, err := f.arts.Put(ctx, PutRequest{RunID: f.run.ID, StepID: f.step.ID, Type: "output", Content: []byte("seed")})
	require.NoError(t, err)

	other := &store.Run{ID: uuid.New().String(), TenantID: "t1", Status: schema.RunStatusPending}
	require.NoError(t, f.meta.CreateRun(ctx, other))
	otherStep := &store.Step{ID: uuid.New().String(), RunID: other.ID, Name: "step1"}
	require.NoError(t, f.meta.CreateStep(ctx, otherStep))

	cp, err := f.arts.CopyTo(ctx, src, other.ID, otherStep.ID, "")
	require.NoError(t, err)
	assert.Equal(t, src.Digest, cp.Digest)
	assert.Empty(t, cp.AttemptID)
	assert.Equal(t, 1, f.blobs.Len())

	latest, err := f.arts.Latest(ctx, other.ID, otherStep.ID)
	require.NoError(t, err)
	require.Len(t, latest, 1)
	assert.Equal(t, cp.ID, latest[0].ID)
}

func TestInputs_PredecessorOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	step2 := &store.Step{ID: uuid.New().String(), RunID: f.run.ID, Name: "step2"}
	require.NoError(t, f.meta.CreateStep(ctx, step2))

	_, err := f.arts.Put(ctx, PutRequest{RunID: f.run.ID, StepID: step2.ID, Type: "output", Content: []byte("two"), Metadata: map[string]any{"k": "v"}})
	require.NoError(t, err)
	_, err = f.arts.Put(ctx, PutRequest{RunID: f.run.ID, StepID: f.step.ID, Type: "output", Content: []byte("one")})
	require.NoError(t, err)

	inputs, err := f.arts.Inputs(ctx, f.run.ID, []*store.Step{f.step, step2})
	require.NoError(t, err)
	require.Len(t, inputs, 2)
	assert.Equal(t, "step1", inputs[0].Step)
	assert.Equal(t, "one", string(inputs[0].Content))
	assert.Equal(t, "step2", inputs[1].Step)
	assert.Equal(t, "v", inputs[1].Metadata["k"])
}

func TestInputDigest_StableAndSensitive(t *testing.T) {
	in := []schema.InputArtifact{{Step: "step1", Type: "output", Digest: "sha256:aa"}}
	cfg := schema.StepConfig{Handler: "step2"}

	assert.Equal(t, InputDigest(in, cfg), InputDigest(in, cfg))
	assert.NotEqual(t, InputDigest(in, cfg), InputDigest(in, schema.StepConfig{Handler: "other"}))
	assert.True(t, strings.HasPrefix(InputDigest(nil, cfg), "sha256:"))
}

func TestFSBlobStore(t *testing.T) {
	root := t.TempDir()
	b, err := NewFSBlobStore(root)
	require.NoError(t, err)
	ctx := context.Background()

	data := []byte("payload")
	digest := Digest(data)

	ok, err := b.Exists(ctx, digest)
	require.NoError(t, err)
	assert.False(t, ok)

	ref, err := b.Put(ctx, digest, data)
	require.NoError(t, err)
	hexPart := strings.TrimPrefix(digest, "sha256:")
	assert.Equal(t, "sha256/"+hexPart[:2]+"/"+hexPart, ref)
	_, err = os.Stat(filepath.Join(root, "sha256", hexPart[:2], hexPart))
	require.NoError(t, err)

	ref2, err := b.Put(ctx, digest, data)
	require.NoError(t, err)
	assert.Equal(t, ref, ref2)

	got, err := b.Get(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	ok, err = b.Exists(ctx, digest)
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = b.Get(ctx, "sha256/zz/missing")
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
	_, err = b.Get(ctx, "../etc/passwd")
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
	_, err = b.Put(ctx, "md5:abc", data)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}
