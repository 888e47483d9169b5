package domain

// ServiceDescriptor represents a gRPC service discovered via reflection
type ServiceDescriptor struct {
	Name     string             `json:"name"`
	FullName string             `json:"fullName"` // Fully qualified name
	Methods  []MethodDescriptor `json:"methods"`
	Error    string             `json:"error,omitempty"` // non-empty when descriptor resolution failed
	Err      error              `json:"-"`               // the resolution failure; not kept by the cache
}

// MethodDescriptor represents a gRPC method.
// FullName is always ServiceName + "." + Name.
type MethodDescriptor struct {
	Name              string `json:"name"`
	FullName          string `json:"fullName"`
	ServiceName       string `json:"serviceName"`
	RequestTypeName   string `json:"requestType"`
	ResponseTypeName  string `json:"responseType"`
	RequestStreaming  bool   `json:"requestStreaming"`
	ResponseStreaming bool   `json:"responseStreaming"`
}

// NewMethodDescriptor builds a MethodDescriptor keeping FullName consistent
// with the service and method names.
func NewMethodDescriptor(serviceName, name, requestType, responseType string, clientStream, serverStream bool) MethodDescriptor {
	return MethodDescriptor{
		Name:              name,
		FullName:          serviceName + "." + name,
		ServiceName:       serviceName,
		RequestTypeName:   requestType,
		ResponseTypeName:  responseType,
		RequestStreaming:  clientStream,
		ResponseStreaming: serverStream,
	}
}

// Path returns the HTTP/2 path used to call the method, e.g. "/pkg.Service/Method".
func (m MethodDescriptor) Path() string {
	return "/" + m.ServiceName + "/" + m.Name
}

// MethodType returns the RPC type (Unary, ServerStream, ClientStream, or BidiStream)
func (m MethodDescriptor) MethodType() string {
	if m.RequestStreaming && m.ResponseStreaming {
		return "BidiStream"
	}
	if m.ResponseStreaming {
		return "ServerStream"
	}
	if m.RequestStreaming {
		return "ClientStream"
	}
	return "Unary"
}

// FindMethod returns the method with the given short name.
func (s ServiceDescriptor) FindMethod(name string) (MethodDescriptor, bool) {
	for _, m := range s.Methods {
		if m.Name == name {
			return m, true
		}
	}
	return MethodDescriptor{}, false
}
