package models

import (
	"encoding/json"
	"testing"
)

func testModelList() *ModelList {
	return &ModelList{
		Base: []ModelInfo{
			{Filename: "sdxl-base.safetensors", DisplayName: "sdxl-base", Category: CategoryBase},
			{Filename: "sd15.safetensors", DisplayName: "sd15", Category: CategoryBase},
		},
		Merged: []ModelInfo{
			{Filename: "user_models/mix.safetensors", DisplayName: "mix", Category: CategoryMerged},
		},
		Lora: []ModelInfo{
			{Filename: "detail.safetensors", DisplayName: "detail", Category: CategoryLora},
		},
	}
}

func TestModelList_Default(t *testing.T) {
	tests := []struct {
		name   string
		list   *ModelList
		want   string
		wantOK bool
	}{
		{"first base model", testModelList(), "sdxl-base.safetensors", true},
		{"no base models", &ModelList{Lora: testModelList().Lora}, "", false},
		{"nil list", nil, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := tt.list.Default()
			if ok != tt.wantOK {
				t.Fatalf("Default() ok = %v, want %v", ok, tt.wantOK)
			}
			if got.Filename != tt.want {
				t.Errorf("Default() = %q, want %q", got.Filename, tt.want)
			}
		})
	}
}

func TestModelList_Find(t *testing.T) {
	list := testModelList()

	tests := []struct {
		name     string
		filename string
		wantOK   bool
	}{
		{"base model", "sd15.safetensors", true},
		{"merged model", "user_models/mix.safetensors", true},
		{"lora model", "detail.safetensors", true},
		{"unknown model", "missing.safetensors", false},
		{"empty filename", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := list.Find(tt.filename)
			if ok != tt.wantOK {
				t.Fatalf("Find(%q) ok = %v, want %v", tt.filename, ok, tt.wantOK)
			}
			if ok && got.Filename != tt.filename {
				t.Errorf("Find(%q) = %q", tt.filename, got.Filename)
			}
		})
	}
}

func TestModelList_Category(t *testing.T) {
	list := testModelList()

	if got := len(list.Category("base")); got != 2 {
		t.Errorf("Category(base) len = %d, want 2", got)
	}
	if got := len(list.Category("MERGED")); got != 1 {
		t.Errorf("Category(MERGED) len = %d, want 1", got)
	}
	if got := list.Category("checkpoint"); got != nil {
		t.Errorf("Category(checkpoint) = %v, want nil", got)
	}
}

func TestStatusResponse_FailureReason(t *testing.T) {
	tests := []struct {
		name string
		resp StatusResponse
		want string
	}{
		{"error field", StatusResponse{Error: "out of memory"}, "out of memory"},
		{"error_message field", StatusResponse{ErrorMessage: "node failed"}, "node failed"},
		{"error wins", StatusResponse{Error: "a", ErrorMessage: "b"}, "a"},
		{"none", StatusResponse{}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.resp.FailureReason(); got != tt.want {
				t.Errorf("FailureReason() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestGenerateRequest_JSONShape(t *testing.T) {
	req := GenerateRequest{
		Prompt:     "a red fox in snow",
		Model:      "sdxl-base.safetensors",
		Steps:      20,
		CFG:        7.0,
		Seed:       -1,
		Resolution: Resolution{Width: 1024, Height: 768},
	}

	data, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}

	var body map[string]any
	if err := json.Unmarshal(data, &body); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}

	if _, ok := body["negative_prompt"]; ok {
		t.Error("negative_prompt should be omitted when nil")
	}
	res, ok := body["resolution"].(map[string]any)
	if !ok {
		t.Fatalf("resolution = %v, want object", body["resolution"])
	}
	if res["width"] != float64(1024) || res["height"] != float64(768) {
		t.Errorf("resolution = %v, want 1024x768", res)
	}
	if body["cfg"] != 7.0 {
		t.Errorf("cfg = %v, want 7", body["cfg"])
	}
}
