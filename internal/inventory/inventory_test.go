package inventory

import (
	"os"
	"path/filepath"
	"testing"

	"ssh-fleet/internal/target"
)

const testInventoryYAML = `all:
  hosts:
    standalone.example.com:
      ansible_user: root
  children:
    webservers:
      hosts:
        web1.example.com:
          ansible_host: 10.0.0.1
          ansible_user: deploy
          ansible_port: 2222
          service: nginx
        web2.example.com: {}
    databases:
      children:
        primary:
          hosts:
            db1.example.com:
              ansible_user: postgres
`

func writeInventory(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func findTarget(targets []target.Target, host string) *target.Target {
	for i := range targets {
		if targets[i].Original == host {
			return &targets[i]
		}
	}
	return nil
}

func TestAnsibleInventoryLoadTargets(t *testing.T) {
	path := writeInventory(t, "inventory.yml", testInventoryYAML)
	inv := NewAnsibleInventory(path)

	targets, err := inv.LoadTargets()
	if err != nil {
		t.Fatal(err)
	}

	if len(targets) != 4 {
		t.Fatalf("got %d targets, want 4", len(targets))
	}

	web1 := findTarget(targets, "web1.example.com")
	if web1 == nil {
		t.Fatal("web1 not loaded")
	}
	if web1.Host != "10.0.0.1" {
		t.Errorf("ansible_host not applied: Host = %q", web1.Host)
	}
	if web1.User != "deploy" || web1.Port != 2222 {
		t.Errorf("connection vars not applied: %+v", web1)
	}
	if web1.Properties["service"] != "nginx" {
		t.Errorf("custom var not in Properties: %v", web1.Properties)
	}
	hasTag := false
	for _, tag := range web1.Tags {
		if tag == "webservers" {
			hasTag = true
		}
	}
	if !hasTag {
		t.Errorf("group tag missing: %v", web1.Tags)
	}

	web2 := findTarget(targets, "web2.example.com")
	if web2 == nil {
		t.Fatal("web2 not loaded")
	}
	if web2.Host != "web2.example.com" || web2.Port != 22 {
		t.Errorf("defaults not applied for bare host: %+v", web2)
	}

	// Nested group membership carries the whole group path as tags.
	db1 := findTarget(targets, "db1.example.com")
	if db1 == nil {
		t.Fatal("db1 not loaded")
	}
	want := map[string]bool{"databases": false, "primary": false}
	for _, tag := range db1.Tags {
		if _, ok := want[tag]; ok {
			want[tag] = true
		}
	}
	for tag, seen := range want {
		if !seen {
			t.Errorf("db1 missing group tag %q: %v", tag, db1.Tags)
		}
	}
}

func TestAnsibleInventoryGetGroups(t *testing.T) {
	path := writeInventory(t, "inventory.yml", testInventoryYAML)
	inv := NewAnsibleInventory(path)

	groups, err := inv.GetGroups()
	if err != nil {
		t.Fatal(err)
	}

	found := map[string]bool{}
	for _, g := range groups {
		found[g] = true
	}
	if !found["webservers"] || !found["databases"] {
		t.Errorf("GetGroups() = %v, want webservers and databases", groups)
	}
}

func TestAnsibleInventoryGetTargetsByGroup(t *testing.T) {
	path := writeInventory(t, "inventory.yml", testInventoryYAML)
	inv := NewAnsibleInventory(path)

	targets, err := inv.GetTargetsByGroup("webservers")
	if err != nil {
		t.Fatal(err)
	}
	if len(targets) != 2 {
		t.Errorf("got %d targets in webservers, want 2", len(targets))
	}

	if _, err := inv.GetTargetsByGroup("nonexistent"); err == nil {
		t.Error("expected error for unknown group")
	}
}

func TestAnsibleInventoryJSON(t *testing.T) {
	path := writeInventory(t, "inventory.json", `{
  "all": {
    "children": {
      "web": {
        "hosts": {
          "web1.example.com": {"ansible_user": "deploy"}
        }
      }
    }
  }
}`)
	inv := NewAnsibleInventory(path)

	targets, err := inv.LoadTargets()
	if err != nil {
		t.Fatal(err)
	}
	if len(targets) != 1 || targets[0].User != "deploy" {
		t.Errorf("JSON inventory: %+v", targets)
	}
}

func TestAnsibleInventoryMissingFile(t *testing.T) {
	inv := NewAnsibleInventory("/nonexistent/inventory.yml")
	if _, err := inv.LoadTargets(); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestAnsibleInventoryMalformed(t *testing.T) {
	path := writeInventory(t, "inventory.yml", "all: [not a mapping")
	inv := NewAnsibleInventory(path)
	if _, err := inv.LoadTargets(); err == nil {
		t.Error("expected error for malformed YAML")
	}
}

func TestStaticInventory(t *testing.T) {
	si := NewStaticInventory()
	si.AddTarget(target.Target{Host: "web1", Tags: []string{"web"}})
	si.AddTarget(target.Target{Host: "db1", Tags: []string{"db"}})

	targets, err := si.LoadTargets()
	if err != nil {
		t.Fatal(err)
	}
	if len(targets) != 2 {
		t.Errorf("got %d targets, want 2", len(targets))
	}

	web, err := si.GetTargetsByGroup("web")
	if err != nil {
		t.Fatal(err)
	}
	if len(web) != 1 || web[0].Host != "web1" {
		t.Errorf("group web = %v", web)
	}

	if _, err := si.GetTargetsByGroup("missing"); err == nil {
		t.Error("expected error for unknown group")
	}
}

func TestLoadFromFile(t *testing.T) {
	for _, ext := range []string{".yml", ".yaml", ".json"} {
		if _, err := LoadFromFile("inventory" + ext); err != nil {
			t.Errorf("LoadFromFile(%q): %v", ext, err)
		}
	}
	if _, err := LoadFromFile("inventory.ini"); err == nil {
		t.Error("expected error for unsupported format")
	}
}
