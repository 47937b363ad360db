// Package app wires configuration into a ready tracing runtime.
//
// An App owns one of each long-lived component: the HTTP transport, the
// retrying caller, the background ingest client, the backend client for
// datasets, projects and feedback, and a tracer for inbound requests.
//
// Example Usage:
//
//	cfg, err := config.LoadFile("runtrace.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	a, err := app.New(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer a.Close(context.Background())
//
//	exp := a.Experiment(target, eval.Func("exact", exact))
//	exp.Dataset = "qa"
//	results, err := eval.Evaluate(ctx, exp)
package app
