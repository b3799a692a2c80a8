package main

import (
	"fmt"
	"os"
	"sort"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/viper"

	"stageline/internal/app"
	"stageline/internal/domain"
	"stageline/internal/events"
	"stageline/internal/stack"
)

func printState(rt *app.Runtime, st domain.PipelineState) error {
	if viper.GetBool("json") {
		return printJSON(st)
	}
	fmt.Printf("%s/%s  stack=%s  status=%s", st.ProjectID, st.ThreadID, st.Stack, st.Status)
	if cur := st.Current(); cur != "" {
		fmt.Printf("  current=%s", cur)
	}
	fmt.Println()
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"", "Stage", "Status", "Attempts", "Approved By", "Completed At"})
	for _, id := range stageOrder(rt, st) {
		ss := st.Stages[id]
		marker := ""
		if id == st.Current() {
			marker = ">"
		}
		tw.AppendRow(table.Row{marker, id, ss.Status, ss.Attempts, ss.ApprovedBy, ss.CompletedAt})
	}
	tw.Render()
	if len(st.Errors) > 0 {
		last := st.Errors[len(st.Errors)-1]
		fmt.Printf("last error: %s attempt %d (%s): %s\n", last.Stage, last.Attempt, last.Kind, last.Message)
	}
	return nil
}

// stageOrder lists stage ids in stack order, falling back to sorted ids when the
// stack can no longer be loaded.
func stageOrder(rt *app.Runtime, st domain.PipelineState) []string {
	var def domain.StackDefinition
	var err error
	if st.StackPath != "" {
		def, err = stack.Load(st.StackPath)
	} else {
		def, _, err = rt.Engine.Catalog.Resolve(st.Stack)
	}
	if err == nil && len(def.Sequence) == len(st.Stages) {
		ids := def.StageIDs()
		ok := true
		for _, id := range ids {
			if _, found := st.Stages[id]; !found {
				ok = false
				break
			}
		}
		if ok {
			return ids
		}
	}
	ids := make([]string, 0, len(st.Stages))
	for id := range st.Stages {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func renderRuns(runs []domain.RunSummary) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Project", "Thread", "Stack", "Status", "Current", "Artifacts", "Errors", "Updated"})
	for _, r := range runs {
		tw.AppendRow(table.Row{r.ProjectID, r.ThreadID, r.Stack, r.Status, r.CurrentStage, r.Artifacts, r.Errors, r.UpdatedAt})
	}
	tw.Render()
}

func renderEvents(evts []events.Event) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Timestamp", "Type", "Stage", "Status"})
	for _, e := range evts {
		tw.AppendRow(table.Row{e.Timestamp, e.Type(), e.Stage, e.Status})
	}
	tw.Render()
}

func renderStack(def domain.StackDefinition) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"#", "Stage", "Approval", "Description"})
	for i, s := range def.Sequence {
		gate := ""
		if s.ApprovalRequired {
			gate = "required"
		}
		tw.AppendRow(table.Row{i + 1, s.ID, gate, s.Description})
	}
	tw.Render()
}
