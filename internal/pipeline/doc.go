// Package pipeline runs a devstack run end to end.
//
// A run moves through five phases:
//
//	setup → manifest → build → start → verify
//
// Setup and build fan out one task per unit over a bounded pool and join on
// a barrier. Each barrier narrows the working set to the units that
// succeeded; a phase that leaves nobody standing aborts the run with a
// [errors.PhaseError]. Start provisions the shared dependency and starts
// the built units side by side, and verify asks the runner which of them
// are alive. Neither of the last two phases removes units: their problems
// become warnings on the [Outcome].
//
// Every task reports into a [collector.Handle], so a unit that never reports
// is still accounted for as a failure. Durations are recorded into the
// [timing.Store] as they happen and feed the ETA shown for the next run.
//
// # Usage
//
//	o := pipeline.New(pipeline.Config{
//	    Catalog:     cat,
//	    Stager:      stager,
//	    Builder:     compose,
//	    Runner:      compose,
//	    Provisioner: prov,
//	    ManifestPath: paths.Manifest,
//	}, pipeline.WithPublisher(pub), pipeline.WithTiming(store))
//	outcome, err := o.Execute(ctx, pipeline.Request{Namespace: "s1"})
package pipeline
