// Copyright (C) 2024 The Rill Authors. All Rights Reserved.

// Package config loads port configuration files.
//
// A port file is YAML with two sections:
//
//	outputs:
//	  - name: backend
//	    location: socket://svc.internal:9000
//	    protocol: frame
//	    params:
//	      ssl:
//	        trustStore: /etc/rill/ca.pem
//	inputs:
//	  - name: public
//	    location: socket://0.0.0.0:8000
//	    protocol: frame
//	    operations: [echo, shutdown]
//	    redirections:
//	      backend: backend
package config

import (
	"fmt"
	"net/url"
	"os"

	"github.com/rill-lang/comm"
	"gopkg.in/yaml.v3"
)

// File is a parsed port configuration file.
type File struct {
	Inputs  []Input  `yaml:"inputs"`
	Outputs []Output `yaml:"outputs"`
}

// Input describes one input port.
type Input struct {
	Name         string            `yaml:"name"`
	Location     string            `yaml:"location"`
	Protocol     string            `yaml:"protocol"`
	Params       map[string]any    `yaml:"params"`
	Operations   []string          `yaml:"operations"`
	Redirections map[string]string `yaml:"redirections"` // resource → output port name
}

// Output describes one output port.
type Output struct {
	Name     string         `yaml:"name"`
	Location string         `yaml:"location"`
	Protocol string         `yaml:"protocol"`
	Params   map[string]any `yaml:"params"`
}

// Load reads and parses the port file at path.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse parses a port file and validates it: port names must be unique,
// locations must be URIs with a scheme, and every redirection must name a
// declared output port.
func Parse(data []byte) (*File, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing port file: %w", err)
	}

	names := make(map[string]bool)
	outputs := make(map[string]bool)
	for _, o := range f.Outputs {
		if err := checkPort(names, o.Name, o.Location, o.Protocol); err != nil {
			return nil, err
		}
		outputs[o.Name] = true
	}
	for _, in := range f.Inputs {
		if err := checkPort(names, in.Name, in.Location, in.Protocol); err != nil {
			return nil, err
		}
		for resource, target := range in.Redirections {
			if !outputs[target] {
				return nil, fmt.Errorf("port %s: redirection %s names undeclared output port %s", in.Name, resource, target)
			}
		}
	}
	return &f, nil
}

func checkPort(names map[string]bool, name, location, protocol string) error {
	if name == "" {
		return fmt.Errorf("port with location %s has no name", location)
	}
	if names[name] {
		return fmt.Errorf("duplicate port name %s", name)
	}
	names[name] = true
	u, err := url.Parse(location)
	if err != nil {
		return fmt.Errorf("port %s: %w", name, err)
	}
	if u.Scheme == "" {
		return fmt.Errorf("port %s: location %s has no scheme", name, location)
	}
	if protocol == "" {
		return fmt.Errorf("port %s has no protocol", name)
	}
	return nil
}

// BuildPorts translates the file into comm port objects, resolving
// redirection targets against the declared output ports.
func (f *File) BuildPorts() ([]*comm.InputPort, map[string]*comm.OutputPort, error) {
	outputs := make(map[string]*comm.OutputPort, len(f.Outputs))
	for _, o := range f.Outputs {
		outputs[o.Name] = comm.NewOutputPort(o.Name, o.Location, o.Protocol, comm.Params(o.Params))
	}

	inputs := make([]*comm.InputPort, 0, len(f.Inputs))
	for _, in := range f.Inputs {
		p := comm.NewInputPort(in.Name, in.Location, in.Protocol, comm.Params(in.Params))
		p.DeclareOperation(in.Operations...)
		for resource, target := range in.Redirections {
			out, ok := outputs[target]
			if !ok {
				return nil, nil, fmt.Errorf("port %s: redirection %s names undeclared output port %s", in.Name, resource, target)
			}
			p.SetRedirection(resource, out)
		}
		inputs = append(inputs, p)
	}
	return inputs, outputs, nil
}
