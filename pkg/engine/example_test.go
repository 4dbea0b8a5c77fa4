package engine_test

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/yamplus/yam/pkg/engine"
)

// Example_compare shows how items are matched by name between two versions
// of a model.
func Example_compare() {
	previous := engine.ApplicationModel{
		"schema": "application/v1",
		"deploy": []interface{}{
			map[string]interface{}{"name": "web", "image": "shop/web:1.0"},
			map[string]interface{}{"name": "worker", "image": "shop/worker:1.0"},
		},
	}
	current := engine.ApplicationModel{
		"schema": "application/v1",
		"deploy": []interface{}{
			map[string]interface{}{"name": "web", "image": "shop/web:1.1"},
			map[string]interface{}{"name": "cron", "image": "shop/cron:1.0"},
		},
	}

	diff, err := engine.NewDiffEngine(zerolog.Nop()).Compare(previous, current, "deploy[*]")
	if err != nil {
		fmt.Println(err)
		return
	}

	name := func(item interface{}) interface{} { return item.(map[string]interface{})["name"] }
	fmt.Println("matcher:", diff.Matcher)
	for _, item := range diff.NewItems {
		fmt.Println("new:", name(item))
	}
	for _, m := range diff.ModifiedItems {
		fmt.Println("modified:", name(m.Current))
	}
	for _, item := range diff.DeletedItems {
		fmt.Println("deleted:", name(item))
	}
	// Output:
	// matcher: $.deploy[*]
	// new: cron
	// modified: web
	// deleted: worker
}

// ExampleRunMode shows which stages each run mode executes.
func ExampleRunMode() {
	for _, mode := range []engine.RunMode{engine.RunModePlanOnly, engine.RunModeApplyOnly, engine.RunModePlanApply} {
		fmt.Printf("%s: persists plan=%t, applies=%t\n", mode, mode.PersistsPlan(), mode.Applies())
	}
	// Output:
	// plan-only: persists plan=true, applies=false
	// apply-only: persists plan=false, applies=true
	// plan-apply: persists plan=false, applies=true
}
