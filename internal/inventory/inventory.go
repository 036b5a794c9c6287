// Package inventory loads ssh-fleet targets from external inventory files.
package inventory

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"ssh-fleet/internal/target"

	"gopkg.in/yaml.v3"
)

// Provider defines the interface for inventory sources
type Provider interface {
	// LoadTargets loads all targets from the inventory source
	LoadTargets() ([]target.Target, error)
	// GetGroups returns available groups in the inventory
	GetGroups() ([]string, error)
	// GetTargetsByGroup returns targets filtered by group
	GetTargetsByGroup(group string) ([]target.Target, error)
}

// AnsibleInventory reads targets from an Ansible YAML or JSON inventory
type AnsibleInventory struct {
	path string
}

// NewAnsibleInventory creates a new Ansible inventory provider
func NewAnsibleInventory(path string) *AnsibleInventory {
	return &AnsibleInventory{path: path}
}

// ansibleInventoryData represents the structure of an Ansible inventory
type ansibleInventoryData struct {
	All struct {
		Children map[string]*ansibleGroup `yaml:"children" json:"children"`
		Hosts    map[string]*ansibleHost  `yaml:"hosts" json:"hosts"`
	} `yaml:"all" json:"all"`
	Groups map[string]*ansibleGroup `yaml:",inline" json:"-"`
}

// ansibleGroup represents an Ansible inventory group
type ansibleGroup struct {
	Hosts    map[string]*ansibleHost  `yaml:"hosts" json:"hosts"`
	Children map[string]*ansibleGroup `yaml:"children" json:"children"`
}

// ansibleHost represents an Ansible inventory host entry
type ansibleHost struct {
	AnsibleHost   string                 `yaml:"ansible_host" json:"ansible_host"`
	AnsiblePort   int                    `yaml:"ansible_port" json:"ansible_port"`
	AnsibleUser   string                 `yaml:"ansible_user" json:"ansible_user"`
	AnsibleSSHKey string                 `yaml:"ansible_ssh_private_key_file" json:"ansible_ssh_private_key_file"`
	Vars          map[string]interface{} `yaml:",inline" json:"-"`
}

// LoadTargets loads all targets reachable from the inventory root
func (ai *AnsibleInventory) LoadTargets() ([]target.Target, error) {
	data, err := ai.loadInventoryData()
	if err != nil {
		return nil, err
	}

	var targets []target.Target
	processed := make(map[string]bool)

	for hostname, host := range data.All.Hosts {
		if !processed[hostname] {
			targets = append(targets, convertAnsibleHost(hostname, host, nil))
			processed[hostname] = true
		}
	}

	for groupName, group := range data.All.Children {
		targets = append(targets, processGroup(group, []string{groupName}, processed)...)
	}

	for groupName, group := range data.Groups {
		targets = append(targets, processGroup(group, []string{groupName}, processed)...)
	}

	return targets, nil
}

// GetGroups returns available groups in the inventory
func (ai *AnsibleInventory) GetGroups() ([]string, error) {
	data, err := ai.loadInventoryData()
	if err != nil {
		return nil, err
	}

	var groups []string
	for groupName := range data.All.Children {
		groups = append(groups, groupName)
	}
	for groupName := range data.Groups {
		groups = append(groups, groupName)
	}

	return groups, nil
}

// GetTargetsByGroup returns targets belonging to one group
func (ai *AnsibleInventory) GetTargetsByGroup(group string) ([]target.Target, error) {
	data, err := ai.loadInventoryData()
	if err != nil {
		return nil, err
	}

	groupData, exists := data.All.Children[group]
	if !exists {
		groupData, exists = data.Groups[group]
	}
	if !exists {
		return nil, fmt.Errorf("group '%s' not found in inventory", group)
	}

	processed := make(map[string]bool)
	return processGroup(groupData, []string{group}, processed), nil
}

// loadInventoryData loads and parses the inventory file
func (ai *AnsibleInventory) loadInventoryData() (*ansibleInventoryData, error) {
	file, err := os.Open(ai.path)
	if err != nil {
		return nil, fmt.Errorf("failed to open inventory file: %w", err)
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("failed to read inventory file: %w", err)
	}

	var data ansibleInventoryData

	// YAML is the default; .json switches the decoder
	if strings.ToLower(filepath.Ext(ai.path)) == ".json" {
		err = json.Unmarshal(content, &data)
	} else {
		err = yaml.Unmarshal(content, &data)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to parse inventory file: %w", err)
	}

	return &data, nil
}

// processGroup recursively collects targets from a group and its children,
// tagging each target with the group path
func processGroup(group *ansibleGroup, tags []string, processed map[string]bool) []target.Target {
	if group == nil {
		return nil
	}

	var targets []target.Target

	for hostname, host := range group.Hosts {
		if !processed[hostname] {
			targets = append(targets, convertAnsibleHost(hostname, host, tags))
			processed[hostname] = true
		}
	}

	for childName, childGroup := range group.Children {
		childTags := append(append([]string{}, tags...), childName)
		targets = append(targets, processGroup(childGroup, childTags, processed)...)
	}

	return targets
}

// convertAnsibleHost converts an Ansible host entry to an ssh-fleet target
func convertAnsibleHost(hostname string, host *ansibleHost, groups []string) target.Target {
	tgt := target.Target{
		Host:       hostname,
		Port:       22,
		Tags:       groups,
		Properties: make(map[string]string),
		Original:   hostname,
	}

	if host == nil {
		return tgt
	}

	if host.AnsibleHost != "" {
		tgt.Host = host.AnsibleHost
	}
	if host.AnsiblePort > 0 {
		tgt.Port = host.AnsiblePort
	}
	if host.AnsibleUser != "" {
		tgt.User = host.AnsibleUser
	}
	if host.AnsibleSSHKey != "" {
		tgt.IdentityFile = host.AnsibleSSHKey
	}

	for key, value := range host.Vars {
		if !isAnsibleBuiltin(key) {
			tgt.Properties[key] = fmt.Sprintf("%v", value)
		}
	}

	return tgt
}

// isAnsibleBuiltin checks if a variable is an Ansible builtin
func isAnsibleBuiltin(key string) bool {
	builtins := []string{
		"ansible_host", "ansible_port", "ansible_user",
		"ansible_ssh_private_key_file", "ansible_password",
		"ansible_connection", "ansible_ssh_host", "ansible_ssh_port",
		"ansible_ssh_user", "ansible_ssh_pass", "ansible_sudo_pass",
		"ansible_become", "ansible_become_method", "ansible_become_user",
		"ansible_become_pass", "ansible_python_interpreter",
	}

	for _, builtin := range builtins {
		if key == builtin {
			return true
		}
	}

	return false
}

// StaticInventory provides a fixed, in-memory inventory
type StaticInventory struct {
	targets []target.Target
	groups  map[string][]target.Target
}

// NewStaticInventory creates a new static inventory
func NewStaticInventory() *StaticInventory {
	return &StaticInventory{
		groups: make(map[string][]target.Target),
	}
}

// AddTarget adds a target to the static inventory
func (si *StaticInventory) AddTarget(tgt target.Target) {
	si.targets = append(si.targets, tgt)

	for _, tag := range tgt.Tags {
		si.groups[tag] = append(si.groups[tag], tgt)
	}
}

// LoadTargets returns all targets in the static inventory
func (si *StaticInventory) LoadTargets() ([]target.Target, error) {
	return si.targets, nil
}

// GetGroups returns available groups
func (si *StaticInventory) GetGroups() ([]string, error) {
	var groups []string
	for group := range si.groups {
		groups = append(groups, group)
	}
	return groups, nil
}

// GetTargetsByGroup returns targets by group
func (si *StaticInventory) GetTargetsByGroup(group string) ([]target.Target, error) {
	targets, exists := si.groups[group]
	if !exists {
		return nil, fmt.Errorf("group '%s' not found", group)
	}
	return targets, nil
}

// LoadFromFile loads an inventory provider based on the file extension
func LoadFromFile(path string) (Provider, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yml", ".yaml", ".json":
		return NewAnsibleInventory(path), nil
	default:
		return nil, fmt.Errorf("unsupported inventory file format: %s", filepath.Ext(path))
	}
}
