// Package log defines standard attribute keys for detection training
// operations.
//
// Using these keys consistently across the model, criterion and
// post-processing packages enables structured filtering of training logs:
// per-stage loss values, box counts, batch composition and so on. The keys
// follow a hierarchical naming convention (e.g. "loss.stage",
// "batch.images") mirroring the structure of the loss engine.

package log

// Model and Operation Context
// These attributes identify the component and operation being performed.
const (
	// ComponentKey identifies which package is performing the operation.
	// Examples: "detr", "boxes", "nn"
	ComponentKey = "ml.component"

	// OperationKey specifies the operation being performed.
	// Standard values: "forward", "criterion", "postprocess", "match"
	OperationKey = "ml.operation"

	// PhaseKey indicates the phase of the training lifecycle.
	// Examples: "training", "inference", "validation"
	PhaseKey = "ml.phase"
)

// Batch Composition
// These attributes describe the structure of the batch being processed.
const (
	// BatchKey indicates the number of images in the batch.
	BatchKey = "batch.images"

	// SourceImagesKey indicates the number of source-domain (labeled)
	// images when domain adaptation is active.
	SourceImagesKey = "batch.source_images"

	// QueriesKey indicates the number of query slots per image.
	QueriesKey = "batch.queries"

	// LevelsKey indicates the number of feature scales fed to the
	// transformer, including synthesized levels.
	LevelsKey = "batch.levels"

	// TargetBoxesKey indicates the global count of ground-truth boxes
	// used as the shared loss denominator.
	TargetBoxesKey = "batch.target_boxes"
)

// Loss and Metric Context
// These attributes capture per-stage loss values and diagnostics.
const (
	// StageKey identifies the supervised stage a loss belongs to.
	// Examples: "final", "aux_0", "enc"
	StageKey = "loss.stage"

	// LossKey records a scalar loss value.
	LossKey = "loss.value"

	// LossTermsKey records the number of loss terms emitted.
	LossTermsKey = "loss.terms"

	// ClassErrorKey records the final-stage classification error
	// diagnostic (100 - accuracy).
	ClassErrorKey = "metrics.class_error"

	// CardinalityErrorKey records the non-gradient cardinality
	// diagnostic.
	CardinalityErrorKey = "metrics.cardinality_error"
)

// Domain Adaptation Context
const (
	// DAModeKey records the domain-adaptation policy in effect.
	// Values: "uda", "source_only"
	DAModeKey = "da.mode"

	// AlignGroupKey identifies the alignment granularity of a domain
	// loss term. Values: "backbone", "space_query", "channel_query",
	// "instance_query"
	AlignGroupKey = "da.align_group"
)

// Error and Warning Context
const (
	// ErrorCodeKey provides a structured error code for programmatic handling.
	// Examples: "SHAPE_MISMATCH", "ODD_BATCH", "INVALID_CONFIG"
	ErrorCodeKey = "error.code"

	// SuggestionKey provides helpful suggestions for resolving issues.
	SuggestionKey = "error.suggestion"
)

// Standard attribute value constants for common operations.
const (
	OperationForward     = "forward"
	OperationCriterion   = "criterion"
	OperationPostprocess = "postprocess"
	OperationMatch       = "match"

	PhaseTraining   = "training"
	PhaseValidation = "validation"
	PhaseInference  = "inference"

	ErrorShapeMismatch = "SHAPE_MISMATCH"
	ErrorOddBatch      = "ODD_BATCH"
	ErrorInvalidConfig = "INVALID_CONFIG"
)
