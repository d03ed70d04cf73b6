package consumer

import (
	"fmt"

	"github.com/ehrlich-b/go-fwspace"
	"github.com/ehrlich-b/go-fwspace/internal/ring"
	"github.com/ehrlich-b/go-fwspace/internal/uapi"
)

// EncodedSize is the length of an encoded notification
const EncodedSize = uapi.ArgsWireSize

// Encode lays out a notification the way it travels to a consumer in
// another process. RefCon is not carried.
func Encode(n fwspace.Notification) ([]byte, error) {
	code, ok := n.Kind.NotifyCode()
	if !ok {
		return nil, fmt.Errorf("cannot encode %s notification", n.Kind)
	}
	return uapi.MarshalArgs(code, &n.Args), nil
}

// Decode is the inverse of Encode
func Decode(data []byte) (fwspace.Notification, error) {
	code, args, err := uapi.UnmarshalArgs(data)
	if err != nil {
		return fwspace.Notification{}, err
	}

	kind, ok := ring.KindFromNotifyCode(code)
	if !ok {
		return fwspace.Notification{}, fmt.Errorf("unknown notification kind %d", code)
	}

	return fwspace.Notification{
		Kind:    kind,
		Command: args.CommandID(),
		Args:    args,
	}, nil
}
