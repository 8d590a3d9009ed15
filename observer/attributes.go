package observer

import "go.opentelemetry.io/otel/attribute"

// Shared attribute keys used across metrics and logs.
var (
	AttrWorkflow = attribute.Key("workflow.name")
	AttrRunID    = attribute.Key("run.id")
	AttrStep     = attribute.Key("step.id")
	AttrTool     = attribute.Key("tool.name")
	AttrGroup    = attribute.Key("group.id")
	AttrStatus   = attribute.Key("status")
)
