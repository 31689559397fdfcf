package artifact

import "testing"

func TestValidatePlan_Write(t *testing.T) {
	tests := []struct {
		name    string
		step    *Write
		wantErr bool
	}{
		{
			name:    "valid",
			step:    &Write{ID: "w1", In: "{}", Out: "stage/manifest.json"},
			wantErr: false,
		},
		{
			name:    "missing id",
			step:    &Write{In: "{}", Out: "stage/manifest.json"},
			wantErr: true,
		},
		{
			name:    "missing in (content)",
			step:    &Write{ID: "w1", Out: "stage/manifest.json"},
			wantErr: true,
		},
		{
			name:    "missing out (path)",
			step:    &Write{ID: "w1", In: "{}"},
			wantErr: true,
		},
		{
			name:    "path traversal",
			step:    &Write{ID: "w1", In: "{}", Out: "../etc/passwd"},
			wantErr: true,
		},
		{
			name:    "absolute path",
			step:    &Write{ID: "w1", In: "{}", Out: "/etc/passwd"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePlan([]Step{tt.step})
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidatePlan() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidatePlan_Archive(t *testing.T) {
	tests := []struct {
		name    string
		step    *Archive
		wantErr bool
	}{
		{
			name:    "valid",
			step:    &Archive{ID: "a1", In: "stage", Out: "bundle.tar.gz", Format: "tar.gz"},
			wantErr: false,
		},
		{
			name:    "missing out (dest)",
			step:    &Archive{ID: "a1", In: "stage", Format: "tar.gz"},
			wantErr: true,
		},
		{
			name:    "missing in (path)",
			step:    &Archive{ID: "a1", Out: "bundle.tar.gz", Format: "tar.gz"},
			wantErr: true,
		},
		{
			name:    "invalid format",
			step:    &Archive{ID: "a1", In: "stage", Out: "bundle.zip", Format: "zip"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePlan([]Step{tt.step})
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidatePlan() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidatePlan_Unarchive(t *testing.T) {
	tests := []struct {
		name    string
		step    *Unarchive
		wantErr bool
	}{
		{
			name:    "valid",
			step:    &Unarchive{ID: "ua1", In: "bundle.tar.gz", Out: "bundle"},
			wantErr: false,
		},
		{
			name:    "missing out (dest)",
			step:    &Unarchive{ID: "ua1", In: "bundle.tar.gz"},
			wantErr: true,
		},
		{
			name:    "missing in (path)",
			step:    &Unarchive{ID: "ua1", Out: "bundle"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePlan([]Step{tt.step})
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidatePlan() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidatePlan_ReadAndList(t *testing.T) {
	tests := []struct {
		name    string
		step    Step
		wantErr bool
	}{
		{
			name:    "valid read",
			step:    &Read{ID: "r1", In: "bundle/manifest.json"},
			wantErr: false,
		},
		{
			name:    "read missing in (path)",
			step:    &Read{ID: "r1"},
			wantErr: true,
		},
		{
			name:    "valid list",
			step:    &List{ID: "l1", In: "stage"},
			wantErr: false,
		},
		{
			name:    "list missing in (path)",
			step:    &List{ID: "l1"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePlan([]Step{tt.step})
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidatePlan() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidatePlan_DependencyOrder(t *testing.T) {
	tests := []struct {
		name    string
		plan    []Step
		wantErr bool
	}{
		{
			name: "valid chain",
			plan: []Step{
				&Write{ID: "w1", In: "{}", Out: "stage/manifest.json"},
				&Archive{ID: "pack", In: "stage", Out: "bundle.tar.gz", Format: "tar.gz", Depends: "w1"},
			},
			wantErr: false,
		},
		{
			name: "duplicate id",
			plan: []Step{
				&Write{ID: "w1", In: "{}", Out: "a.json"},
				&Write{ID: "w1", In: "{}", Out: "b.json"},
			},
			wantErr: true,
		},
		{
			name: "unknown dependency",
			plan: []Step{
				&Write{ID: "w1", In: "{}", Out: "a.json", Depends: "nope"},
			},
			wantErr: true,
		},
		{
			name: "forward dependency",
			plan: []Step{
				&Write{ID: "w1", In: "{}", Out: "a.json", Depends: "w2"},
				&Write{ID: "w2", In: "{}", Out: "b.json"},
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePlan(tt.plan)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidatePlan() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidatePath(t *testing.T) {
	tests := []struct {
		path    string
		wantErr bool
	}{
		{"file.txt", false},
		{"stage/file.txt", false},
		{"a/b/c/file.txt", false},
		{"", false},
		{"/absolute/path", true},
		{"../parent", true},
		{"foo/../bar", true},
		{"foo/../../bar", true},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			err := validatePath(tt.path)
			if (err != nil) != tt.wantErr {
				t.Errorf("validatePath(%q) error = %v, wantErr %v", tt.path, err, tt.wantErr)
			}
		})
	}
}
