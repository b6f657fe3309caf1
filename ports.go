// Copyright (C) 2024 The Rill Authors. All Rights Reserved.

package comm

// A Type checks payload values against an operation's declared input type.
// Check reports a *TypeError when v does not conform.
type Type interface {
	Check(v any) error
}

// An Operation is one operation declared by an interface: its name, whether
// it is one-way (acknowledged with an empty response) or request-response,
// and its input type.
type Operation struct {
	Name        string
	OneWay      bool
	RequestType Type // nil means any value is accepted
}

// CheckRequest applies the operation's input type to v.
func (o Operation) CheckRequest(v any) error {
	if o.RequestType == nil {
		return nil
	}
	return o.RequestType.Check(v)
}

// An AggregatedOperation is a server-side composition: the port forwards or
// transforms an incoming operation into calls to sub-services. Its
// behaviour is an external collaborator.
type AggregatedOperation interface {
	RunAggregationBehaviour(msg *Message, c *Channel) error
}

// An InputPort is the server-side binding of a location to an application
// protocol, a set of declared operations, aggregations, and redirections.
type InputPort struct {
	name         string
	location     string
	protocolName string
	params       Params

	operations   map[string]bool
	aggregations map[string]AggregatedOperation
	redirections map[string]*OutputPort
}

// NewInputPort constructs an input port for the given location and
// protocol. params may be nil.
func NewInputPort(name, location, protocolName string, params Params) *InputPort {
	return &InputPort{
		name:         name,
		location:     location,
		protocolName: protocolName,
		params:       params,
		operations:   make(map[string]bool),
		aggregations: make(map[string]AggregatedOperation),
		redirections: make(map[string]*OutputPort),
	}
}

func (p *InputPort) Name() string         { return p.name }
func (p *InputPort) Location() string     { return p.location }
func (p *InputPort) ProtocolName() string { return p.protocolName }
func (p *InputPort) Params() Params       { return p.params }

// DeclareOperation adds operation names to the port's interface.
func (p *InputPort) DeclareOperation(names ...string) *InputPort {
	for _, n := range names {
		p.operations[n] = true
	}
	return p
}

// CanHandleDirectly reports whether the port's own interface declares the
// operation, as opposed to serving it through an aggregation.
func (p *InputPort) CanHandleDirectly(operation string) bool { return p.operations[operation] }

// SetAggregation binds an aggregated operation name to its behaviour.
func (p *InputPort) SetAggregation(operation string, op AggregatedOperation) *InputPort {
	p.aggregations[operation] = op
	return p
}

// Aggregation returns the aggregated operation bound to name, or nil.
func (p *InputPort) Aggregation(operation string) AggregatedOperation {
	return p.aggregations[operation]
}

// SetRedirection binds a resource name to an output port. Requests whose
// resource path begins with /name are forwarded there.
func (p *InputPort) SetRedirection(resource string, out *OutputPort) *InputPort {
	p.redirections[resource] = out
	return p
}

// Redirection returns the output port bound to resource, or nil.
func (p *InputPort) Redirection(resource string) *OutputPort { return p.redirections[resource] }

// mergeFrom folds another port's interface, aggregations, and redirections
// into p. Used by the local listener, which serves the union of all local
// input ports.
func (p *InputPort) mergeFrom(q *InputPort) {
	for n := range q.operations {
		p.operations[n] = true
	}
	for n, op := range q.aggregations {
		p.aggregations[n] = op
	}
	for n, out := range q.redirections {
		p.redirections[n] = out
	}
}

// An OutputPort is the client-side binding of a location to an application
// protocol.
type OutputPort struct {
	name         string
	location     string
	protocolName string
	params       Params
}

// NewOutputPort constructs an output port for the given location and
// protocol. params may be nil.
func NewOutputPort(name, location, protocolName string, params Params) *OutputPort {
	return &OutputPort{name: name, location: location, protocolName: protocolName, params: params}
}

func (p *OutputPort) Name() string         { return p.name }
func (p *OutputPort) Location() string     { return p.location }
func (p *OutputPort) ProtocolName() string { return p.protocolName }
func (p *OutputPort) Params() Params       { return p.params }
