/*
Package eval runs a target over a set of examples and scores every output
with one or more evaluators.

The pipeline has two stages, each bounded by its own BoundedMap:

	examples -> target (TargetConcurrency) -> (target run, evaluator) pairs -> evaluators (EvaluationConcurrency)

Both stages yield in completion order, so a slow example never delays
faster ones. Every row carries its input index; Evaluate stable-sorts the
rows by (input index, evaluator index) before returning them, while Stream
hands them over as they finish.

Target calls are traced as root runs in the experiment project, referencing
their example. Evaluator calls are traced in the "evaluators" project and
their results become feedback on the target run. Feedback aimed at a run
outside the experiment is refused locally with a ProtocolError on that row.
*/
package eval
