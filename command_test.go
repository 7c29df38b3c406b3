package nsq

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCommandWriteToRoundTrip(t *testing.T) {
	cmd, err := Subscribe("test_topic", "test_channel")
	require.NoError(t, err)

	var buf bytes.Buffer
	n, err := cmd.WriteTo(&buf)
	require.NoError(t, err)
	require.EqualValues(t, buf.Len(), n)
	require.Equal(t, "SUB test_topic test_channel\n", buf.String())
}

func TestCommandRejectsInvalidNames(t *testing.T) {
	_, err := Subscribe("", "test_channel")
	require.Error(t, err)

	_, err = Subscribe("test_topic", "invalid channel name")
	require.Error(t, err)

	_, err = Publish("invalid topic name", []byte("x"))
	require.Error(t, err)
}

func TestReadyCommand(t *testing.T) {
	cmd := Ready(5)
	var buf bytes.Buffer
	_, err := cmd.WriteTo(&buf)
	require.NoError(t, err)
	require.Equal(t, "RDY 5\n", buf.String())
}

func TestPublishCommandHasBody(t *testing.T) {
	cmd, err := Publish("test_topic", []byte("hello"))
	require.NoError(t, err)

	var buf bytes.Buffer
	_, err = cmd.WriteTo(&buf)
	require.NoError(t, err)

	require.True(t, bytes.HasPrefix(buf.Bytes(), []byte("PUB test_topic\n")))
	require.True(t, bytes.HasSuffix(buf.Bytes(), []byte("hello")))
}

func TestMultiPublishCommand(t *testing.T) {
	bodies := [][]byte{[]byte("one"), []byte("two"), []byte("three")}
	cmd, err := MultiPublish("test_topic", bodies)
	require.NoError(t, err)
	require.Equal(t, "MPUB", string(cmd.Name))
}

func TestDeferredPublishCommand(t *testing.T) {
	cmd, err := DeferredPublish("test_topic", 1000, []byte("hello"))
	require.NoError(t, err)
	require.Equal(t, "DPUB", string(cmd.Name))
	require.Equal(t, "test_topic", string(cmd.Params[0]))
	require.Equal(t, "1000", string(cmd.Params[1]))
}

func TestFinishAndRequeueCommands(t *testing.T) {
	var id MessageID
	copy(id[:], "0000000000000001")

	fin := Finish(id)
	require.Equal(t, "FIN", string(fin.Name))

	req := Requeue(id, 500)
	require.Equal(t, "REQ", string(req.Name))
	require.Equal(t, "500", string(req.Params[1]))

	touch := Touch(id)
	require.Equal(t, "TOUCH", string(touch.Name))
}
