package ledger

// Templates resolves the fully qualified template identifiers the engine
// works with. Lending templates live in the platform's lending package;
// native-coin templates live in the amulet package under Splice.Amulet.
type Templates struct {
	LendingPackageID string
	AmuletPackageID  string
}

func (t Templates) AssetHolding() string {
	return TemplateID(t.LendingPackageID, "Lending.Token", "AssetHolding")
}

func (t Templates) LockedAssetHolding() string {
	return TemplateID(t.LendingPackageID, "Lending.Token", "LockedAssetHolding")
}

func (t Templates) LoanOffer() string {
	return TemplateID(t.LendingPackageID, "Lending.Loan", "LoanOfferHybrid")
}

func (t Templates) ActiveLoan() string {
	return TemplateID(t.LendingPackageID, "Lending.Loan", "ActiveLoanHybrid")
}

func (t Templates) Amulet() string {
	return TemplateID(t.AmuletPackageID, "Splice.Amulet", "Amulet")
}

func (t Templates) LockedAmulet() string {
	return TemplateID(t.AmuletPackageID, "Splice.Amulet", "LockedAmulet")
}
