package collect

// Cache values are shared across readers, so every transform returns a new
// struct or slice and leaves the input alone. A transform on a value of the
// wrong (or nil) shape is a no-op: the settle refetch repairs whatever the
// optimistic pass could not express.

func mapTenant(old any, fn func(Tenant) Tenant) any {
	t, ok := old.(Tenant)
	if !ok {
		return old
	}
	return fn(t)
}

func mapAgent(old any, fn func(Agent) Agent) any {
	a, ok := old.(Agent)
	if !ok {
		return old
	}
	return fn(a)
}

func mapPayment(old any, fn func(Payment) Payment) any {
	p, ok := old.(Payment)
	if !ok {
		return old
	}
	return fn(p)
}

func mapTenantList(old any, id TenantID, fn func(Tenant) Tenant) any {
	list, ok := old.([]Tenant)
	if !ok {
		return old
	}
	out := make([]Tenant, len(list))
	for i, t := range list {
		if t.ID == id {
			t = fn(t)
		}
		out[i] = t
	}
	return out
}

func mapPaymentList(old any, id PaymentID, fn func(Payment) Payment) any {
	list, ok := old.([]Payment)
	if !ok {
		return old
	}
	out := make([]Payment, len(list))
	for i, p := range list {
		if p.ID == id {
			p = fn(p)
		}
		out[i] = p
	}
	return out
}

func appendTenant(old any, t Tenant) any {
	list, ok := old.([]Tenant)
	if !ok {
		return old
	}
	out := make([]Tenant, 0, len(list)+1)
	out = append(out, list...)
	return append(out, t)
}

func removeTenant(old any, id TenantID) any {
	list, ok := old.([]Tenant)
	if !ok {
		return old
	}
	out := make([]Tenant, 0, len(list))
	for _, t := range list {
		if t.ID != id {
			out = append(out, t)
		}
	}
	return out
}

func appendPayment(old any, p Payment) any {
	list, ok := old.([]Payment)
	if !ok {
		return old
	}
	out := make([]Payment, 0, len(list)+1)
	out = append(out, list...)
	return append(out, p)
}

func removePayment(old any, id PaymentID) any {
	list, ok := old.([]Payment)
	if !ok {
		return old
	}
	out := make([]Payment, 0, len(list))
	for _, p := range list {
		if p.ID != id {
			out = append(out, p)
		}
	}
	return out
}
