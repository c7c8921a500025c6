package device

import (
	"testing"

	"github.com/Jmolenaartje/Factobox/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommandString(t *testing.T) {
	assert.Equal(t, "START", StartCommand().String())
	assert.Equal(t, "STOP", StopCommand().String())
	assert.Equal(t, "BUILD,R,G,B", BuildCommand([]types.ResourceType{types.Red, types.Green, types.Blue}).String())
	assert.Equal(t, "BUILD,B,B,R\n", string(BuildCommand([]types.ResourceType{types.Blue, types.Blue, types.Red}).Line()))
}

func TestBuildCommandCopiesResources(t *testing.T) {
	shape := []types.ResourceType{types.Red, types.Green, types.Blue}
	cmd := BuildCommand(shape)
	shape[0] = types.Blue
	assert.Equal(t, "BUILD,R,G,B", cmd.String())
}

func TestParseCommand(t *testing.T) {
	cmd, err := ParseCommand("BUILD,R,G,B\r")
	require.NoError(t, err)
	assert.Equal(t, CmdBuild, cmd.Kind)
	assert.Equal(t, []types.ResourceType{types.Red, types.Green, types.Blue}, cmd.Resources)

	cmd, err = ParseCommand("start")
	require.NoError(t, err)
	assert.Equal(t, CmdStart, cmd.Kind)

	_, err = ParseCommand("BUILD,R,G")
	assert.ErrorIs(t, err, types.ErrInvalidShape)

	_, err = ParseCommand("TOWER,R,G,B")
	assert.Error(t, err)
}

func TestParseLineAcks(t *testing.T) {
	msg, err := ParseLine("OK")
	require.NoError(t, err)
	require.NotNil(t, msg.Ack)
	assert.True(t, msg.Ack.OK)
	assert.Empty(t, msg.Ack.Echo)

	msg, err = ParseLine("ACK,BUILD,R,G,B")
	require.NoError(t, err)
	assert.True(t, msg.Ack.OK)
	assert.Equal(t, "BUILD,R,G,B", msg.Ack.Echo)

	msg, err = ParseLine("ERR,gripper jammed")
	require.NoError(t, err)
	assert.False(t, msg.Ack.OK)
	assert.Equal(t, "gripper jammed", msg.Ack.Reason)

	msg, err = ParseLine("nack")
	require.NoError(t, err)
	assert.False(t, msg.Ack.OK)

	msg, err = ParseLine("ERR,BUILD,B,B,B")
	require.NoError(t, err)
	assert.False(t, msg.Ack.OK)
	assert.Equal(t, "BUILD,B,B,B", msg.Ack.Echo)
	assert.Empty(t, msg.Ack.Reason)
}

func TestAckMatches(t *testing.T) {
	build := BuildCommand([]types.ResourceType{types.Red, types.Green, types.Blue})

	assert.True(t, Ack{OK: true}.Matches(build))
	assert.True(t, Ack{OK: true, Echo: "build,r,g,b"}.Matches(build))
	assert.False(t, Ack{OK: true, Echo: "BUILD,B,B,B"}.Matches(build))
	assert.False(t, Ack{OK: true, Echo: "START"}.Matches(build))
	assert.True(t, Ack{Echo: "BUILD,Red,Green,Blue"}.Matches(build))
	assert.False(t, Ack{Echo: "BUILD,B,B,B"}.Matches(build))
}

func TestParseLineJSONStatus(t *testing.T) {
	msg, err := ParseLine(`{"red":4,"green":0,"blue":2,"temp":21}`)
	require.NoError(t, err)
	require.NotNil(t, msg.Status)
	assert.Equal(t, types.Inventory{types.Red: 4, types.Green: 0, types.Blue: 2}, msg.Status.Counts)

	msg, err = ParseLine(`{"Blue":1}`)
	require.NoError(t, err)
	assert.Equal(t, types.Inventory{types.Blue: 1}, msg.Status.Counts)
}

func TestParseLineCompactStatus(t *testing.T) {
	msg, err := ParseLine("STATUS,R=3,G=2,B=1")
	require.NoError(t, err)
	require.NotNil(t, msg.Status)
	assert.Equal(t, types.Inventory{types.Red: 3, types.Green: 2, types.Blue: 1}, msg.Status.Counts)
}

func TestParseLineMalformed(t *testing.T) {
	for _, line := range []string{
		"",
		"hello there",
		`{"red":`,
		`{"temp":21}`,
		`{"red":-1}`,
		"STATUS",
		"STATUS,R=x",
		"STATUS,Q=1",
		"STATUS,R",
	} {
		_, err := ParseLine(line)
		assert.ErrorIs(t, err, ErrMalformedReport, "line %q", line)
	}
}
