package main

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/mistifyio/selkie"
	log "github.com/sirupsen/logrus"
)

// RegisterVPCRoutes registers the VPC, subnet, and firewall-rule routes
func RegisterVPCRoutes(prefix string, router *mux.Router, m *metricsContext) {
	router.HandleFunc(prefix, m.timed("vpc_list", ListVPCs)).Methods("GET")
	router.HandleFunc(prefix, m.timed("vpc_create", CreateVPC)).Methods("POST")
	sub := router.PathPrefix(prefix).Subrouter()
	sub.HandleFunc("/{name}", m.timed("vpc_get", GetVPC)).Methods("GET")
	sub.HandleFunc("/{name}", m.timed("vpc_delete", DeleteVPC)).Methods("DELETE")
	sub.HandleFunc("/{name}/subnets", m.timed("subnet_create", CreateSubnet)).Methods("POST")
	sub.HandleFunc("/{name}/subnets/{subnet}", m.timed("subnet_delete", DeleteSubnet)).Methods("DELETE")
	sub.HandleFunc("/{name}/firewall-rules", m.timed("fwrule_list", ListFirewallRules)).Methods("GET")
	sub.HandleFunc("/{name}/firewall-rules", m.timed("fwrule_create", CreateFirewallRule)).Methods("POST")
	sub.HandleFunc("/{name}/firewall-rules/{id}", m.timed("fwrule_delete", DeleteFirewallRule)).Methods("DELETE")
}

func getVPC(r *http.Request) (*selkie.VPC, error) {
	ctx := GetContext(r)
	name := mux.Vars(r)["name"]
	vpc, err := ctx.VPC(name)
	if err != nil {
		if ctx.IsKeyNotFound(err) {
			return nil, selkie.NewError(selkie.ErrNotFound, "vpc %s not found", name)
		}
		return nil, err
	}
	return vpc, nil
}

// ListVPCs gets a list of all VPCs
func ListVPCs(w http.ResponseWriter, r *http.Request) {
	hr := HTTPResponse{w}
	ctx := GetContext(r)
	vpcs := make(selkie.VPCs, 0)
	err := ctx.ForEachVPC(func(v *selkie.VPC) error {
		vpcs = append(vpcs, v)
		return nil
	})
	if err != nil && !ctx.IsKeyNotFound(err) {
		hr.JSONError(err)
		return
	}
	hr.JSON(http.StatusOK, vpcs)
}

// CreateVPC creates a new VPC
func CreateVPC(w http.ResponseWriter, r *http.Request) {
	hr := HTTPResponse{w}
	ctx := GetContext(r)

	var req struct {
		Name string `json:"name"`
		CIDR string `json:"cidr"`
		MTU  int    `json:"mtu"`
	}
	if err := decodeBody(r, &req); err != nil {
		hr.JSONError(err)
		return
	}

	vpc := ctx.NewVPC()
	vpc.Name = req.Name
	vpc.CIDR = req.CIDR
	if req.MTU != 0 {
		vpc.MTU = req.MTU
	}
	if err := vpc.Save(); err != nil {
		hr.JSONError(err)
		return
	}
	hr.JSON(http.StatusCreated, vpc)
}

// GetVPC gets a particular VPC
func GetVPC(w http.ResponseWriter, r *http.Request) {
	hr := HTTPResponse{w}
	vpc, err := getVPC(r)
	if err != nil {
		hr.JSONError(err)
		return
	}
	hr.JSON(http.StatusOK, vpc)
}

// DeleteVPC removes an empty VPC
func DeleteVPC(w http.ResponseWriter, r *http.Request) {
	hr := HTTPResponse{w}
	vpc, err := getVPC(r)
	if err != nil {
		hr.JSONError(err)
		return
	}
	if err := vpc.Delete(); err != nil {
		hr.JSONError(err)
		return
	}
	hr.JSONMsg(http.StatusOK, "deleted")
}

// CreateSubnet carves a subnet out of the VPC CIDR
func CreateSubnet(w http.ResponseWriter, r *http.Request) {
	hr := HTTPResponse{w}
	vpc, err := getVPC(r)
	if err != nil {
		hr.JSONError(err)
		return
	}
	var req struct {
		ID   string `json:"id"`
		CIDR string `json:"cidr"`
	}
	if err := decodeBody(r, &req); err != nil {
		hr.JSONError(err)
		return
	}
	subnet, err := vpc.NewSubnet(req.ID, req.CIDR)
	if err != nil {
		hr.JSONError(err)
		return
	}
	hr.JSON(http.StatusCreated, subnet)
}

// DeleteSubnet removes a subnet with no allocated addresses
func DeleteSubnet(w http.ResponseWriter, r *http.Request) {
	hr := HTTPResponse{w}
	vpc, err := getVPC(r)
	if err != nil {
		hr.JSONError(err)
		return
	}
	if err := vpc.RemoveSubnet(mux.Vars(r)["subnet"]); err != nil {
		hr.JSONError(err)
		return
	}
	hr.JSONMsg(http.StatusOK, "deleted")
}

// ListFirewallRules gets the rules of one VPC
func ListFirewallRules(w http.ResponseWriter, r *http.Request) {
	hr := HTTPResponse{w}
	vpc, err := getVPC(r)
	if err != nil {
		hr.JSONError(err)
		return
	}
	rules, err := GetContext(r).FirewallRulesForVPC(vpc.Name)
	if err != nil {
		hr.JSONError(err)
		return
	}
	hr.JSON(http.StatusOK, rules)
}

// CreateFirewallRule adds a rule and pushes the recompiled ruleset to
// every host carrying a VM on the VPC
func CreateFirewallRule(w http.ResponseWriter, r *http.Request) {
	hr := HTTPResponse{w}
	vpc, err := getVPC(r)
	if err != nil {
		hr.JSONError(err)
		return
	}
	ctx := GetContext(r)

	var req struct {
		Direction   string `json:"direction"`
		Protocol    string `json:"protocol"`
		PortStart   uint16 `json:"port_start"`
		PortEnd     uint16 `json:"port_end"`
		CIDR        string `json:"cidr"`
		Description string `json:"description"`
		Priority    int    `json:"priority"`
	}
	if err := decodeBody(r, &req); err != nil {
		hr.JSONError(err)
		return
	}

	rule := ctx.NewFirewallRule()
	rule.VPCName = vpc.Name
	rule.Direction = req.Direction
	rule.Protocol = req.Protocol
	rule.PortStart = req.PortStart
	rule.PortEnd = req.PortEnd
	rule.CIDR = req.CIDR
	rule.Description = req.Description
	rule.Priority = req.Priority
	if err := rule.Save(); err != nil {
		hr.JSONError(err)
		return
	}

	applyVPCFirewall(r, vpc.Name)
	hr.JSON(http.StatusCreated, rule)
}

// DeleteFirewallRule removes a rule and pushes the recompiled ruleset
func DeleteFirewallRule(w http.ResponseWriter, r *http.Request) {
	hr := HTTPResponse{w}
	ctx := GetContext(r)
	id := mux.Vars(r)["id"]
	rule, err := ctx.FirewallRule(id)
	if err != nil {
		if ctx.IsKeyNotFound(err) {
			err = selkie.NewError(selkie.ErrNotFound, "firewall rule %s not found", id)
		}
		hr.JSONError(err)
		return
	}
	if rule.VPCName != mux.Vars(r)["name"] {
		hr.JSONError(selkie.NewError(selkie.ErrNotFound, "firewall rule %s not found", id))
		return
	}
	if err := rule.Delete(); err != nil {
		hr.JSONError(err)
		return
	}

	applyVPCFirewall(r, rule.VPCName)
	hr.JSONMsg(http.StatusOK, "deleted")
}

// applyVPCFirewall pushes the current ruleset in the background so a
// slow host does not stall the API response
func applyVPCFirewall(r *http.Request, vpcName string) {
	rec := GetServices(r).rec
	go func() {
		if err := rec.ApplyVPCFirewall(vpcName); err != nil {
			log.WithFields(log.Fields{
				"vpc":   vpcName,
				"error": err,
			}).Error("firewall push failed")
		}
	}()
}
