package diagram

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/runengine/internal/engine"
	"github.com/rendis/runengine/internal/validation"
	"github.com/rendis/runengine/pkg/schema"
)

func pipeline(t *testing.T) *engine.Graph {
	t.Helper()
	sv, err := validation.NewSchemaValidator()
	require.NoError(t, err)
	g, err := engine.DefaultGraph(sv)
	require.NoError(t, err)
	return g
}

func waitingRun() *schema.RunSummary {
	steps := []schema.StepSummary{
		{Name: "step1", Status: schema.StepStatusCompleted},
		{Name: "step1_approval", Status: schema.StepStatusCompleted},
		{Name: "step2", Status: schema.StepStatusCompleted, RetryCount: 2},
		{Name: "step3a", Status: schema.StepStatusCompleted},
		{Name: "step3b", Status: schema.StepStatusCompleted},
		{Name: "step3c", Status: schema.StepStatusCompleted},
		{Name: "approval", Status: schema.StepStatusPending},
		{Name: "step4", Status: schema.StepStatusPending},
	}
	return &schema.RunSummary{ID: "r1", Status: schema.RunStatusWaitingApproval, Progress: 35, Steps: steps}
}

func nodeByID(t *testing.T, m *DiagramModel, id string) *Node {
	t.Helper()
	n := findNode(m.Nodes, id)
	require.NotNil(t, n, id)
	return n
}

func TestBuild_Static(t *testing.T) {
	g := pipeline(t)
	m := Build(g, nil)

	assert.Len(t, m.Nodes, len(g.Sorted)+2)
	assert.Equal(t, startID, m.Nodes[0].ID)
	assert.Equal(t, endID, m.Nodes[len(m.Nodes)-1].ID)
	assert.Contains(t, m.Edges, Edge{From: startID, To: "step1"})
	assert.Contains(t, m.Edges, Edge{From: "step3b", To: "approval"})
	assert.Contains(t, m.Edges, Edge{From: "step12", To: endID})
	assert.Equal(t, NodeKindGate, nodeByID(t, m, "approval").Kind)
	assert.Equal(t, NodeKindAsset, nodeByID(t, m, "step8").Kind)
	assert.Nil(t, nodeByID(t, m, "step2").Status)

	require.Len(t, m.Groups, 2)
	assert.Equal(t, "step3", m.Groups[0].Label)
	assert.Equal(t, []string{"step3a", "step3b", "step3c"}, m.Groups[0].Members)
	assert.Equal(t, []string{startID}, m.Levels[0])
}

func TestBuild_StatusOverlay(t *testing.T) {
	m := Build(pipeline(t), waitingRun())

	assert.Equal(t, "completed", nodeByID(t, m, "step2").Status.Status)
	assert.Equal(t, 2, nodeByID(t, m, "step2").Status.RetryCount)
	assert.Equal(t, StatusWaiting, nodeByID(t, m, "approval").Status.Status)
	assert.Equal(t, "pending", nodeByID(t, m, "step4").Status.Status)
	assert.Equal(t, "pending", nodeByID(t, m, "step12").Status.Status, "missing rows show as pending")
	assert.Contains(t, m.Title, "run r1 (waiting_approval, 35%)")
}

func TestBuild_FailedStepCarriesError(t *testing.T) {
	run := &schema.RunSummary{ID: "r2", Status: schema.RunStatusFailed, Steps: []schema.StepSummary{
		{Name: "step1", Status: schema.StepStatusFailed, RetryCount: 3, ErrorCode: schema.ErrCodeRetryExhausted, ErrorMessage: "rate limited"},
	}}
	m := Build(pipeline(t), run)

	st := nodeByID(t, m, "step1").Status
	assert.Equal(t, "failed", st.Status)
	assert.Equal(t, "RETRY_EXHAUSTED: rate limited", st.Error)
}

func TestRenderMermaid(t *testing.T) {
	out := RenderMermaid(Build(pipeline(t), waitingRun()))

	assert.True(t, strings.HasPrefix(out, "graph TD\n"))
	assert.Contains(t, out, "__start__((")
	assert.Contains(t, out, "approval{")
	assert.Contains(t, out, "step8[[")
	assert.Contains(t, out, "subgraph group_step3[\"step3\"]")
	assert.Contains(t, out, "step2 --> step3a")
	assert.Contains(t, out, "classDef waiting")
	assert.Contains(t, out, "class approval waiting")
	assert.Contains(t, out, "class step1 completed")
	assert.Equal(t, 1, strings.Count(out, "        step3a["), "group members are defined once, inside the subgraph")
}

func TestRenderASCII(t *testing.T) {
	out := RenderASCII(Build(pipeline(t), waitingRun()))

	assert.Contains(t, out, "[OK]")
	assert.Contains(t, out, "[WAIT]")
	assert.Contains(t, out, "retries 2")
	assert.Contains(t, out, "▼")
}

func TestRenderImage(t *testing.T) {
	m := Build(pipeline(t), waitingRun())

	png, err := RenderImage(context.Background(), m, ImagePNG)
	require.NoError(t, err)
	require.True(t, len(png) > 8)
	assert.Equal(t, []byte{0x89, 'P', 'N', 'G'}, png[:4])

	svg, err := RenderImage(context.Background(), m, ImageSVG)
	require.NoError(t, err)
	assert.Contains(t, string(svg), "<svg")

	_, err = RenderImage(context.Background(), m, "gif")
	assert.Error(t, err)
}
