package protocol

import (
	"embed"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schema/*.json
var schemaFS embed.FS

// Codec validates every message crossing the bridge boundary against the
// embedded JSON schemas before it is turned into a typed value.
type Codec struct {
	status  *jsonschema.Schema
	reply   *jsonschema.Schema
	command *jsonschema.Schema
}

func NewCodec() (*Codec, error) {
	compiler := jsonschema.NewCompiler()

	for _, name := range []string{"status.json", "reply.json", "command.json"} {
		data, err := schemaFS.ReadFile("schema/" + name)
		if err != nil {
			return nil, fmt.Errorf("failed to read schema %s: %w", name, err)
		}
		if err := compiler.AddResource(name, strings.NewReader(string(data))); err != nil {
			return nil, fmt.Errorf("failed to add schema resource %s: %w", name, err)
		}
	}

	c := &Codec{}
	var err error
	if c.status, err = compiler.Compile("status.json"); err != nil {
		return nil, fmt.Errorf("failed to compile status schema: %w", err)
	}
	if c.reply, err = compiler.Compile("reply.json"); err != nil {
		return nil, fmt.Errorf("failed to compile reply schema: %w", err)
	}
	if c.command, err = compiler.Compile("command.json"); err != nil {
		return nil, fmt.Errorf("failed to compile command schema: %w", err)
	}
	return c, nil
}

// MustCodec panics if the embedded schemas do not compile.
func MustCodec() *Codec {
	c, err := NewCodec()
	if err != nil {
		panic(err)
	}
	return c
}

func validate(schema *jsonschema.Schema, data []byte) error {
	var doc interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}
	return nil
}

func (c *Codec) EncodeCommand(cid int64, cmd Command) ([]byte, error) {
	data, err := Encode(cid, cmd)
	if err != nil {
		return nil, err
	}
	if err := validate(c.command, data); err != nil {
		return nil, fmt.Errorf("%s: %w", cmd.Type(), err)
	}
	return data, nil
}

func (c *Codec) DecodeReply(data []byte) (Reply, error) {
	if err := validate(c.reply, data); err != nil {
		return Reply{}, err
	}
	var r Reply
	if err := json.Unmarshal(data, &r); err != nil {
		return Reply{}, fmt.Errorf("invalid reply: %w", err)
	}
	return r, nil
}

func (c *Codec) DecodeStatus(data []byte) (*StatusMessage, error) {
	if err := validate(c.status, data); err != nil {
		return nil, err
	}
	var msg StatusMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("invalid status: %w", err)
	}
	return &msg, nil
}
