// Package policy gates derived plans with Open Policy Agent rules.
//
// Every policy is a Rego module whose deny set is evaluated against an input
// document built from the plan: the application and namespace, the target
// environment, the run mode, the current and previous models, the resolved
// values and the ordered action names. A deny entry is either a message string
// or an object with message, severity and resource keys.
//
// Violations with severity error or critical deny the plan; info and warning
// entries are reported but do not block apply. Engine implements
// engine.PolicyGate, so a denial surfaces as a POLICY_DENIED engine error.
//
// Built-in policies cover namespace naming, unpinned image tags, destructive
// actions and replica bounds. Additional policies are loaded from .rego files
// (a leading "# severity: <level>" comment sets their default severity) or
// from JSON definitions.
//
//	eng, err := policy.NewEngine(logger)
//	if err != nil {
//	    return err
//	}
//	if err := eng.LoadPolicies(ctx, []string{".yam/policies"}); err != nil {
//	    return err
//	}
//	if err := eng.Evaluate(ctx, plan.Data()); err != nil {
//	    return err
//	}
package policy
