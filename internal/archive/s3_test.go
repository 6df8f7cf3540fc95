package archive

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petrijr/steward/pkg/api"
)

type capturePutter struct {
	inputs []*s3.PutObjectInput
	bodies [][]byte
	err    error
}

func (c *capturePutter) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if c.err != nil {
		return nil, c.err
	}
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	c.inputs = append(c.inputs, in)
	c.bodies = append(c.bodies, body)
	return &s3.PutObjectOutput{}, nil
}

func events() []*api.Event {
	at := time.Date(2025, 3, 4, 10, 0, 0, 0, time.UTC)
	return []*api.Event{
		{ID: "ev-1", Source: api.SourceEmail, ExternalID: "m-1", ReceivedAt: at, CorrelationID: "t-1", Payload: map[string]any{"subject": "hello"}},
		{ID: "ev-2", Source: api.SourceChat, Kind: "message", ReceivedAt: at.Add(time.Hour), CorrelationID: "ev-2", Payload: map[string]any{"text": "hi"}},
	}
}

func TestArchiveEvents_WritesJSONLines(t *testing.T) {
	putter := &capturePutter{}
	a := NewS3Archiver(putter, "audit", "steward")
	a.now = func() time.Time { return time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC) }

	require.NoError(t, a.ArchiveEvents(context.Background(), events()))
	require.Len(t, putter.inputs, 1)

	in := putter.inputs[0]
	assert.Equal(t, "audit", aws.ToString(in.Bucket))
	assert.Equal(t, "steward/events/2025/03/04/ev-1_ev-2.jsonl", aws.ToString(in.Key))
	assert.Equal(t, int64(len(putter.bodies[0])), aws.ToInt64(in.ContentLength))

	var recs []Record
	sc := bufio.NewScanner(bytes.NewReader(putter.bodies[0]))
	for sc.Scan() {
		var r Record
		require.NoError(t, json.Unmarshal(sc.Bytes(), &r))
		recs = append(recs, r)
	}
	require.Len(t, recs, 2)
	assert.Equal(t, "ev-1", recs[0].ID)
	assert.Equal(t, "m-1", recs[0].ExternalID)
	assert.Equal(t, "hello", recs[0].Payload["subject"])
	assert.Equal(t, "message", recs[1].Kind)
	assert.True(t, recs[1].ArchivedAt.Equal(time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)))
}

func TestArchiveEvents_EmptyBatchAndErrors(t *testing.T) {
	putter := &capturePutter{}
	require.NoError(t, NewS3Archiver(putter, "audit", "").ArchiveEvents(context.Background(), nil))
	assert.Empty(t, putter.inputs)

	require.Error(t, NewS3Archiver(putter, "", "").ArchiveEvents(context.Background(), events()))

	putter.err = errors.New("access denied")
	err := NewS3Archiver(putter, "audit", "").ArchiveEvents(context.Background(), events())
	require.ErrorContains(t, err, "access denied")
}
