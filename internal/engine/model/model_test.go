package model

import "testing"

func TestExecutionStateIsTerminal(t *testing.T) {
	terminal := []ExecutionState{ExecutionCompleted, ExecutionFailed, ExecutionTimedOut, ExecutionCancelled}
	for _, s := range terminal {
		if !s.IsTerminal() {
			t.Fatalf("%s should be terminal", s)
		}
	}
	nonTerminal := []ExecutionState{ExecutionPending, ExecutionRunning}
	for _, s := range nonTerminal {
		if s.IsTerminal() {
			t.Fatalf("%s should not be terminal", s)
		}
	}
}

func TestTaskStateIsTerminal(t *testing.T) {
	if !TaskCompleted.IsTerminal() || !TaskFailed.IsTerminal() {
		t.Fatalf("completed and failed should be terminal")
	}
	for _, s := range []TaskState{TaskReady, TaskRunning, TaskWaitingChildren, TaskScheduledRetry} {
		if s.IsTerminal() {
			t.Fatalf("%s should not be terminal", s)
		}
	}
}

func TestAllModelsCoversEveryTable(t *testing.T) {
	models := AllModels()
	if len(models) != 3 {
		t.Fatalf("expected 3 models, got %d", len(models))
	}
	if _, ok := models[0].(*Execution); !ok {
		t.Fatalf("expected first model to be *Execution")
	}
	if _, ok := models[1].(*Task); !ok {
		t.Fatalf("expected second model to be *Task")
	}
	if _, ok := models[2].(*Progress); !ok {
		t.Fatalf("expected third model to be *Progress")
	}
}

func TestTableNames(t *testing.T) {
	if (Execution{}).TableName() != "executions" {
		t.Fatalf("unexpected executions table name")
	}
	if (Task{}).TableName() != "tasks" {
		t.Fatalf("unexpected tasks table name")
	}
	if (Progress{}).TableName() != "progress" {
		t.Fatalf("unexpected progress table name")
	}
}
