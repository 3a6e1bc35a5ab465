// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package gateway exposes a read-only JSON-RPC view of a directory over
// HTTP so operators can inspect a running bus without speaking the
// binary protocol.
package gateway

import (
	"net/http"

	"github.com/gorilla/rpc/v2"
	"github.com/gorilla/rpc/v2/json2"

	"github.com/luxfi/objbus"
)

// ServiceArgs selects a registered service by name.
type ServiceArgs struct {
	Name string `json:"name"`
}

// OperationInfo describes one callable operation of a service.
type OperationInfo struct {
	ID              uint32 `json:"id"`
	Name            string `json:"name"`
	Kind            string `json:"kind"`
	ParamSignature  string `json:"paramSignature"`
	ReturnSignature string `json:"returnSignature,omitempty"`
}

// ServiceReply describes one registered service.
type ServiceReply struct {
	ID         uint32          `json:"id"`
	Name       string          `json:"name"`
	Operations []OperationInfo `json:"operations"`
}

// ServicesArgs is empty; Services takes no parameters.
type ServicesArgs struct{}

// ServicesReply lists every registered service.
type ServicesReply struct {
	Services []ServiceReply `json:"services"`
}

// DirectoryService serves directory lookups over JSON-RPC.
type DirectoryService struct {
	dir *objbus.Directory
}

func describe(ent *objbus.ServiceEntry) ServiceReply {
	reply := ServiceReply{ID: ent.ID, Name: ent.Name}
	for _, op := range ent.Object.Meta().Operations() {
		reply.Operations = append(reply.Operations, OperationInfo{
			ID:              op.ID,
			Name:            op.Name,
			Kind:            op.Kind.String(),
			ParamSignature:  op.ParamSignature,
			ReturnSignature: op.ReturnSignature,
		})
	}
	return reply
}

// Service resolves one service by name.
func (d *DirectoryService) Service(r *http.Request, args *ServiceArgs, reply *ServiceReply) error {
	ent, err := d.dir.Lookup(args.Name)
	if err != nil {
		return err
	}
	*reply = describe(ent)
	return nil
}

// Services lists all registered services in id order.
func (d *DirectoryService) Services(r *http.Request, args *ServicesArgs, reply *ServicesReply) error {
	for _, ent := range d.dir.Entries() {
		reply.Services = append(reply.Services, describe(ent))
	}
	return nil
}

// New returns an HTTP handler serving the directory inspection API as
// JSON-RPC 2.0 on POST.
func New(dir *objbus.Directory) http.Handler {
	s := rpc.NewServer()
	s.RegisterCodec(json2.NewCodec(), "application/json")
	if err := s.RegisterService(&DirectoryService{dir: dir}, "Directory"); err != nil {
		panic(err)
	}
	return s
}
