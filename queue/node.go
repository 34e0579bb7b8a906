package queue

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"os"
	"strings"
)

const (
	// Namespace is the XML namespace of queue configuration documents.
	Namespace = "urn:atsora:cncqueue:queue"
	// GroupQueues names the container of composite children.
	GroupQueues = "queues"
	// DefaultBackendType is used when nothing names a backend.
	DefaultBackendType = "sqlite"
)

// Node is one queue definition of the configuration tree.
type Node struct {
	// BackendType is empty when the node inherits the caller default.
	BackendType string
	Settings    map[string]string
	Children    []*Node
}

// SettingsView returns the node settings as a Settings view.
func (n *Node) SettingsView() Settings {
	if n == nil {
		return MapSettings{}
	}
	return MapSettings(n.Settings)
}

// Group returns the children of the named group.
func (n *Node) Group(name string) ([]*Node, error) {
	if name != GroupQueues {
		return nil, fmt.Errorf("%w: %q", ErrUnknownConfigGroup, name)
	}
	if n == nil {
		return nil, nil
	}
	return n.Children, nil
}

// ResolveBackendType picks the backend type of node: its type attribute, its
// QueueType setting, the QueueType of defaults, then fallback (or
// DefaultBackendType when fallback is empty).
func ResolveBackendType(node *Node, defaults Settings, fallback string) string {
	if node != nil {
		if t := strings.TrimSpace(node.BackendType); t != "" {
			return t
		}
		if t := String(node.SettingsView(), KeyQueueType, ""); t != "" {
			return t
		}
	}
	if t := String(defaults, KeyQueueType, ""); t != "" {
		return t
	}
	if fallback != "" {
		return fallback
	}
	return DefaultBackendType
}

type xmlElement struct {
	XMLName  xml.Name
	Attrs    []xml.Attr   `xml:",any,attr"`
	Children []xmlElement `xml:",any"`
	Text     string       `xml:",chardata"`
}

// ParseNode parses a queue configuration document.
func ParseNode(data []byte) (*Node, error) {
	return DecodeNode(bytes.NewReader(data))
}

// ParseNodeFile parses the configuration document at path.
func ParseNodeFile(path string) (*Node, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	node, err := DecodeNode(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return node, nil
}

// DecodeNode parses a queue configuration document from r.
func DecodeNode(r io.Reader) (*Node, error) {
	var root xmlElement
	if err := xml.NewDecoder(r).Decode(&root); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfiguration, err)
	}
	return convertQueue(root, "queue")
}

func invalid(path, format string, args ...any) error {
	return fmt.Errorf("%w: %s: %s", ErrInvalidConfiguration, path, fmt.Sprintf(format, args...))
}

func checkName(el xmlElement, path, want string) error {
	if el.XMLName.Space != "" && el.XMLName.Space != Namespace {
		return invalid(path, "element %q has foreign namespace %q", el.XMLName.Local, el.XMLName.Space)
	}
	if el.XMLName.Local != want {
		return invalid(path, "unexpected element %q, want %q", el.XMLName.Local, want)
	}
	if strings.TrimSpace(el.Text) != "" {
		return invalid(path, "element %q must not carry text", want)
	}
	return nil
}

func isNamespaceDecl(a xml.Attr) bool {
	return a.Name.Space == "xmlns" || (a.Name.Space == "" && a.Name.Local == "xmlns")
}

func convertQueue(el xmlElement, path string) (*Node, error) {
	if err := checkName(el, path, "queue"); err != nil {
		return nil, err
	}

	node := &Node{}
	for _, a := range el.Attrs {
		switch {
		case isNamespaceDecl(a):
		case a.Name.Local == "type" && (a.Name.Space == "" || a.Name.Space == Namespace):
			node.BackendType = strings.TrimSpace(a.Value)
		default:
			return nil, invalid(path, "unexpected attribute %q on queue", a.Name.Local)
		}
	}

	var sawConfiguration, sawQueues bool
	for _, child := range el.Children {
		switch child.XMLName.Local {
		case "configuration":
			if sawConfiguration {
				return nil, invalid(path, "configuration block repeated")
			}
			sawConfiguration = true
			settings, err := convertConfiguration(child, path+"/configuration")
			if err != nil {
				return nil, err
			}
			node.Settings = settings
		case GroupQueues:
			if sawQueues {
				return nil, invalid(path, "queues container repeated")
			}
			sawQueues = true
			if err := checkName(child, path+"/queues", GroupQueues); err != nil {
				return nil, err
			}
			for _, a := range child.Attrs {
				if !isNamespaceDecl(a) {
					return nil, invalid(path, "unexpected attribute %q on queues", a.Name.Local)
				}
			}
			for i, q := range child.Children {
				sub, err := convertQueue(q, fmt.Sprintf("%s/queues/queue[%d]", path, i))
				if err != nil {
					return nil, err
				}
				node.Children = append(node.Children, sub)
			}
		default:
			return nil, invalid(path, "unexpected element %q", child.XMLName.Local)
		}
	}
	if !sawConfiguration {
		return nil, invalid(path, "configuration block missing")
	}
	return node, nil
}

func convertConfiguration(el xmlElement, path string) (map[string]string, error) {
	if err := checkName(el, path, "configuration"); err != nil {
		return nil, err
	}
	if len(el.Children) > 0 {
		return nil, invalid(path, "configuration takes attributes only")
	}
	settings := make(map[string]string, len(el.Attrs))
	for _, a := range el.Attrs {
		if isNamespaceDecl(a) {
			continue
		}
		if a.Name.Space != "" && a.Name.Space != Namespace {
			return nil, invalid(path, "setting %q has foreign namespace %q", a.Name.Local, a.Name.Space)
		}
		if _, dup := settings[a.Name.Local]; dup {
			return nil, invalid(path, "setting %q duplicated", a.Name.Local)
		}
		settings[a.Name.Local] = a.Value
	}
	return settings, nil
}
