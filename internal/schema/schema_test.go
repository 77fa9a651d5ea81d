package schema

import "testing"

func buildTestTypes(t *testing.T) *Registry {
	t.Helper()
	reg, err := Build(
		&DocType{
			Name:       "Project",
			Table:      "Projects",
			SoftDelete: true,
			Columns: []Column{
				{Name: "Title", Kind: KindString},
				{Name: "Parent", Kind: KindInt, Nullable: true, MasterType: "Project"},
			},
			TreeParentColumn: "Parent",
			SubDocs: []*SubDocType{{
				Name:  "Task",
				Table: "Tasks",
				Columns: []Column{
					{Name: "Summary", Kind: KindString},
					{Name: "Assignee", Kind: KindInt, Nullable: true, MasterType: "Person"},
				},
			}},
		},
		&DocType{
			Name:  "Person",
			Table: "People",
			Columns: []Column{
				{Name: "Name", Kind: KindString},
			},
		},
		&DocType{
			Name:  "Comment",
			Table: "Comments",
			Columns: []Column{
				{Name: "TargetType", Kind: KindInt, Nullable: true},
				{Name: "TargetId", Kind: KindInt, Nullable: true},
				{Name: "Body", Kind: KindString},
			},
			VarRefs: []VarRef{{
				TableIDColumn: "TargetType",
				DocIDColumn:   "TargetId",
				Allowed:       []string{"Project", "Person"},
			}},
		},
	)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	return reg
}

func TestBuildAssignsStableIDs(t *testing.T) {
	reg := buildTestTypes(t)
	project, _ := reg.Type("Project")
	person, _ := reg.Type("Person")
	if project.ID != 1 || person.ID != 2 {
		t.Fatalf("ids = %d, %d, want registration order 1, 2", project.ID, person.ID)
	}
	byID, ok := reg.TypeByID(2)
	if !ok || byID.Name != "Person" {
		t.Fatalf("TypeByID(2) = %v", byID)
	}
}

func TestBuildRejectsBadSchemas(t *testing.T) {
	cases := []struct {
		name  string
		types []*DocType
	}{
		{"duplicate type", []*DocType{
			{Name: "A", Table: "A"}, {Name: "A", Table: "B"},
		}},
		{"engine-owned column", []*DocType{
			{Name: "A", Table: "A", Columns: []Column{{Name: "Version", Kind: KindInt}}},
		}},
		{"unknown master type", []*DocType{
			{Name: "A", Table: "A", Columns: []Column{{Name: "Ref", Kind: KindInt, MasterType: "Nope"}}},
		}},
		{"non-int reference", []*DocType{
			{Name: "A", Table: "A", Columns: []Column{{Name: "Ref", Kind: KindString, MasterType: "A"}}},
		}},
		{"tree parent wrong type", []*DocType{
			{Name: "A", Table: "A"},
			{
				Name: "B", Table: "B", TreeParentColumn: "P",
				Columns: []Column{{Name: "P", Kind: KindInt, Nullable: true, MasterType: "A"}},
			},
		}},
		{"var ref undeclared columns", []*DocType{
			{Name: "A", Table: "A", VarRefs: []VarRef{{TableIDColumn: "X", DocIDColumn: "Y", Allowed: []string{"A"}}}},
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Build(tc.types...); err == nil {
				t.Fatal("expected build error")
			}
		})
	}
}

func TestRefsTo(t *testing.T) {
	reg := buildTestTypes(t)

	refs := reg.RefsTo("Person")
	// Task.Assignee plus the Comment variable reference.
	if len(refs) != 2 {
		t.Fatalf("RefsTo(Person) = %v, want 2 entries", refs)
	}
	var haveTask, haveComment bool
	for _, r := range refs {
		switch {
		case r.Table == "Tasks" && r.Column == "Assignee" && r.SubDoc == "Task":
			haveTask = true
		case r.Table == "Comments" && r.Column == "TargetId" && r.TableIDColumn == "TargetType":
			haveComment = true
		}
	}
	if !haveTask || !haveComment {
		t.Fatalf("RefsTo(Person) missing expected entries: %v", refs)
	}

	// Self-reference through the tree parent column.
	projRefs := reg.RefsTo("Project")
	found := false
	for _, r := range projRefs {
		if r.Table == "Projects" && r.Column == "Parent" && r.Nullable {
			found = true
		}
	}
	if !found {
		t.Fatalf("RefsTo(Project) = %v, want tree parent entry", projRefs)
	}
}

func TestColumnIndexCached(t *testing.T) {
	reg := buildTestTypes(t)
	project, _ := reg.Type("Project")

	idx := reg.ColumnIndex(project.Table, project.Columns)
	if idx["Title"] != 0 || idx["Parent"] != 1 {
		t.Fatalf("index = %v", idx)
	}
	again := reg.ColumnIndex(project.Table, project.Columns)
	if len(again) != len(idx) || again["Title"] != 0 {
		t.Fatalf("cached index differs: %v vs %v", again, idx)
	}
}

func TestHistoryTableNames(t *testing.T) {
	reg := buildTestTypes(t)
	project, _ := reg.Type("Project")
	if project.HistoryTable() != "ProjectsHistory" {
		t.Fatalf("history table = %s", project.HistoryTable())
	}
	task, _ := project.SubDoc("Task")
	if task.HistoryTable() != "TasksHistory" {
		t.Fatalf("sub history table = %s", task.HistoryTable())
	}
}
